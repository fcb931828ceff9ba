package media

import "sync"

// Stream is an ordered set of LocalTracks attached to a peer as one unit
// via webrtcpeer.Peer.AddStream — the backing type for MainStream,
// ScreenStream, and their reconciliation clones.
type Stream struct {
	mu     sync.Mutex
	tracks []*LocalTrack
}

func newStream(tracks ...*LocalTrack) *Stream {
	return &Stream{tracks: append([]*LocalTrack{}, tracks...)}
}

// Tracks returns a snapshot of the stream's current tracks.
func (s *Stream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LocalTrack{}, s.tracks...)
}

// TrackOfKind returns the first track of the given kind, if any.
func (s *Stream) TrackOfKind(k Kind) (*LocalTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == k {
			return t, true
		}
	}
	return nil, false
}

func (s *Stream) addTrack(t *LocalTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) removeTrackOfKind(k Kind) (*LocalTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.Kind() == k {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return t, true
		}
	}
	return nil, false
}

// Clone implements the clone step of clone-and-reattach: every track in s
// gets a fresh LocalTrack sharing the same underlying capture Track,
// collected into a brand new Stream.
func (s *Stream) Clone() (*Stream, error) {
	s.mu.Lock()
	tracks := append([]*LocalTrack{}, s.tracks...)
	s.mu.Unlock()

	clone := &Stream{}
	for _, t := range tracks {
		lt, err := t.parent.NewLocal()
		if err != nil {
			return nil, err
		}
		clone.tracks = append(clone.tracks, lt)
	}
	return clone, nil
}
