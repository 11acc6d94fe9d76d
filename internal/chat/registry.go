package chat

import (
	"log/slog"
	"sort"
	"time"
)

type requestType int

const (
	requestJoin requestType = iota
	requestLeave
	requestSnapshot
	requestLen
)

func (t requestType) String() string {
	switch t {
	case requestJoin:
		return "join"
	case requestLeave:
		return "leave"
	case requestLen:
		return "len"
	default:
		return "snapshot"
	}
}

type request struct {
	Type      requestType
	ID        SessionID
	Name      string
	OnJoin    func() error
	OnLeave   func(name string)
	ReplyChan chan reply
}

type reply struct {
	Names []string
	Name  string
	Count int
	OK    bool
	Err   error
}

// Registry tracks which sessions are present and under which name.
//
// A single goroutine (Run) owns the map; every operation is a request
// processed in turn, so join, leave and snapshot never interleave.
type Registry struct {
	requests chan request
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		requests: make(chan request, buffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	present := make(map[SessionID]string)

	for {
		select {
		case req := <-r.requests:
			start := time.Now()
			var rep reply
			switch req.Type {
			case requestJoin:
				rep = r.handleJoin(present, req)
			case requestLeave:
				rep = r.handleLeave(present, req)
			case requestSnapshot:
				rep = reply{Names: snapshot(present), OK: true}
			case requestLen:
				rep = reply{Count: len(present), OK: true}
			}
			EventProcessingDuration.WithLabelValues(req.Type.String()).Observe(time.Since(start).Seconds())
			req.ReplyChan <- rep
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handleJoin(present map[SessionID]string, req request) reply {
	if _, exists := present[req.ID]; exists {
		return reply{Err: ErrAlreadyJoined}
	}
	names := snapshot(present)
	present[req.ID] = req.Name
	if req.OnJoin != nil {
		if err := req.OnJoin(); err != nil {
			delete(present, req.ID)
			return reply{Err: err}
		}
	}
	ConnectedClients.Set(float64(len(present)))
	r.logger.Debug("session joined", "session_id", req.ID, "name", req.Name, "present", len(present))
	return reply{Names: names, OK: true}
}

func (r *Registry) handleLeave(present map[SessionID]string, req request) reply {
	name, ok := present[req.ID]
	if !ok {
		return reply{}
	}
	delete(present, req.ID)
	if req.OnLeave != nil {
		req.OnLeave(name)
	}
	ConnectedClients.Set(float64(len(present)))
	r.logger.Debug("session left", "session_id", req.ID, "name", name, "present", len(present))
	return reply{Name: name, OK: true}
}

// snapshot lists names in ascending session order, which is acceptance order.
func snapshot(present map[SessionID]string) []string {
	ids := make([]SessionID, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = present[id]
	}
	return names
}

func (r *Registry) do(req request) reply {
	req.ReplyChan = make(chan reply, 1)
	select {
	case r.requests <- req:
	case <-r.stopCh:
		return reply{Err: ErrRegistryStopped}
	}
	select {
	case rep := <-req.ReplyChan:
		return rep
	case <-r.doneCh:
		select {
		case rep := <-req.ReplyChan:
			return rep
		default:
			return reply{Err: ErrRegistryStopped}
		}
	}
}

// Join registers name under id and returns the names that were present
// before it. onJoin, when set, runs inside the same step; if it fails the
// entry is rolled back and its error returned.
func (r *Registry) Join(id SessionID, name string, onJoin func() error) ([]string, error) {
	rep := r.do(request{Type: requestJoin, ID: id, Name: name, OnJoin: onJoin})
	return rep.Names, rep.Err
}

// Leave removes id and reports whether it was present. onLeave runs inside
// the same step with the departing name, and only if there was an entry.
func (r *Registry) Leave(id SessionID, onLeave func(name string)) (bool, error) {
	rep := r.do(request{Type: requestLeave, ID: id, OnLeave: onLeave})
	return rep.OK, rep.Err
}

// Snapshot returns the names present at one instant.
func (r *Registry) Snapshot() ([]string, error) {
	rep := r.do(request{Type: requestSnapshot})
	return rep.Names, rep.Err
}

// Len returns the number of sessions present.
func (r *Registry) Len() (int, error) {
	rep := r.do(request{Type: requestLen})
	return rep.Count, rep.Err
}
