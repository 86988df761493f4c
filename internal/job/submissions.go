package job

import "sync"

// ShareKey identifies a submission within one job.
type ShareKey struct {
	WorkerID    string
	ExtraNonce1 [4]byte
	Nonce       [8]byte
}

// SubmissionSet records the shares seen for a job.
type SubmissionSet struct {
	mu   sync.Mutex
	seen map[ShareKey]struct{}
}

func NewSubmissionSet() *SubmissionSet {
	return &SubmissionSet{seen: make(map[ShareKey]struct{})}
}

// SeenOrAdd reports whether key was already recorded and records it if not.
// The check and the insert happen under one lock.
func (s *SubmissionSet) SeenOrAdd(key ShareKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}
	return false
}

func (s *SubmissionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
