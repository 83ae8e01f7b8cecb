package credstore

import "context"

// WatchAccessToken returns a stream of access-token emissions: the current
// value immediately on subscribe, then one emission per store change. The
// stream is conflated; a slow reader observes the latest value, never a stale
// backlog. The channel closes when ctx is done or the store closes.
func (s *Store) WatchAccessToken(ctx context.Context) <-chan Token {
	ch := make(chan Token, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	push(ch, s.snapshotLocked(ctx))
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.mu.Unlock()
	}()

	return ch
}

// broadcastLocked fans the current token out to every subscriber. Callers
// hold mu, which keeps emissions totally ordered across writers.
func (s *Store) broadcastLocked(ctx context.Context) {
	tok := s.snapshotLocked(ctx)
	for _, ch := range s.subs {
		push(ch, tok)
	}
}

func (s *Store) snapshotLocked(ctx context.Context) Token {
	value, present, err := s.AccessToken(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("access token snapshot failed")
		return Token{}
	}
	return Token{Value: value, Present: present}
}

// push delivers latest-value-wins: a pending unread emission is replaced
// rather than blocking the writer. All sends happen under mu, so the drain
// and re-send cannot race another sender.
func push(ch chan Token, tok Token) {
	for {
		select {
		case ch <- tok:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
