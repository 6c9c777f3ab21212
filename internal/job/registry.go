package job

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// TrackResult describes how a locally accepted command was recorded.
type TrackResult int

const (
	TrackIgnored TrackResult = iota // command names an unknown job and creates nothing
	TrackNew                        // a new job entered created
	TrackResume                     // start on a stopped/failed job
	TrackPending                    // intent recorded on an existing job
)

// Seed describes a job as last persisted, used to populate the registry from disk
// or from a worker metadata snapshot.
type Seed struct {
	Name        string
	State       State
	Credentials Credentials
	Directory   string
}

// Registry is the in-memory index of jobs keyed by name. Reads return copies and
// never block on the worker. Mutations are expected from a single owner goroutine;
// the lock only protects concurrent readers.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	listeners []func(Transition)
	now       func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job), now: func() time.Time { return time.Now().UTC() }}
}

// OnTransition adds a listener invoked after each state change, outside the lock.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Get returns a copy of the named job.
func (r *Registry) Get(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[name]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns every job sorted by name.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Track records a command the gateway accepted. create/start on a name the registry does
// not know creates a job in created; start on stopped/failed is a resume; stop/delete on
// an unknown name changes nothing until the worker acknowledges.
func (r *Registry) Track(intent Intent, name string, creds Credentials, dir string) TrackResult {
	r.mu.Lock()
	j, ok := r.jobs[name]
	now := r.now()
	var res TrackResult
	var tr *Transition
	switch {
	case !ok && (intent == IntentCreate || intent == IntentStart):
		r.jobs[name] = &Job{
			Name:        name,
			State:       StateCreated,
			Credentials: creds,
			Directory:   dir,
			Pending:     intent,
			UpdatedAt:   now,
		}
		tr = &Transition{Name: name, To: StateCreated, Reason: string(intent), At: now}
		res = TrackNew
	case !ok:
		res = TrackIgnored
	default:
		if creds.Username != "" {
			j.Credentials = creds
		}
		if dir != "" {
			j.Directory = dir
		}
		j.Pending = intent
		j.UpdatedAt = now
		res = TrackPending
		if intent == IntentStart && (j.State == StateStopped || j.State == StateFailed) {
			res = TrackResume
		}
	}
	r.mu.Unlock()
	if tr != nil {
		r.notify(*tr)
	}
	return res
}

// Apply moves the named job to state to. An unknown job is created directly in the target
// state (the worker knows about it even if we did not), except for deletion which reports
// ErrNotFound. Reaching StateDeleted removes the job from the registry.
func (r *Registry) Apply(name string, to State, reason string) (Transition, error) {
	if !to.Valid() {
		return Transition{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	r.mu.Lock()
	now := r.now()
	j, ok := r.jobs[name]
	if !ok {
		if to == StateDeleted {
			r.mu.Unlock()
			return Transition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		r.jobs[name] = &Job{Name: name, State: to, Confirmed: true, UpdatedAt: now}
		r.mu.Unlock()
		tr := Transition{Name: name, To: to, Reason: reason, At: now}
		r.notify(tr)
		return tr, nil
	}
	from := j.State
	if from == to {
		j.Confirmed = true
		if j.Pending.satisfiedBy(to) {
			j.Pending = IntentNone
		}
		r.mu.Unlock()
		return Transition{Name: name, From: from, To: to, Reason: reason, At: now}, nil
	}
	if !CanTransition(from, to) {
		r.mu.Unlock()
		return Transition{Name: name, From: from, To: from}, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, name, from, to)
	}
	j.State = to
	j.Confirmed = true
	j.UpdatedAt = now
	if to == StateFailed || j.Pending.satisfiedBy(to) {
		j.Pending = IntentNone
	}
	if to == StateDeleted {
		delete(r.jobs, name)
	}
	r.mu.Unlock()
	tr := Transition{Name: name, From: from, To: to, Reason: reason, At: now}
	r.notify(tr)
	return tr, nil
}

// SetEventText stores the latest free-form status line for a job.
func (r *Registry) SetEventText(name, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	j.LastEventText = text
	j.UpdatedAt = r.now()
	return nil
}

// ClearPending drops an unconfirmed intent, e.g. after the worker rejected a stop.
func (r *Registry) ClearPending(name string) {
	r.mu.Lock()
	if j, ok := r.jobs[name]; ok {
		j.Pending = IntentNone
	}
	r.mu.Unlock()
}

// Remove drops a job without worker confirmation (optimistic delete policy).
func (r *Registry) Remove(name, reason string) (Transition, bool) {
	r.mu.Lock()
	j, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return Transition{}, false
	}
	tr := Transition{Name: name, From: j.State, To: StateDeleted, Reason: reason, At: r.now()}
	delete(r.jobs, name)
	r.mu.Unlock()
	r.notify(tr)
	return tr, true
}

// FailActive moves every created/running job to failed. It is a best-effort local
// reconciliation used when the connection to the worker is lost.
func (r *Registry) FailActive(reason string) []Transition {
	r.mu.Lock()
	now := r.now()
	var trs []Transition
	for _, j := range r.jobs {
		if !j.State.Active() {
			continue
		}
		trs = append(trs, Transition{Name: j.Name, From: j.State, To: StateFailed, Reason: reason, At: now})
		j.State = StateFailed
		j.Confirmed = false
		j.Pending = IntentNone
		j.UpdatedAt = now
	}
	r.mu.Unlock()
	sort.Slice(trs, func(i, k int) bool { return trs[i].Name < trs[k].Name })
	for _, tr := range trs {
		r.notify(tr)
	}
	return trs
}

// Seed populates jobs in their persisted state. Seeded jobs are unconfirmed until the
// worker re-announces them; a persisted running state is not taken as proof of life.
// Deleted tombstones are skipped.
func (r *Registry) Seed(seeds []Seed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, s := range seeds {
		if s.Name == "" || s.State == StateDeleted {
			continue
		}
		st := s.State
		if !st.Valid() {
			st = StateCreated
		}
		r.jobs[s.Name] = &Job{
			Name:        s.Name,
			State:       st,
			Credentials: s.Credentials,
			Directory:   s.Directory,
			UpdatedAt:   now,
		}
	}
}

// Reconcile folds a worker-authored snapshot into the registry: descriptors refresh the
// credentials and directory of known jobs, unknown jobs are added, and states the worker
// reports are applied when they form a legal transition.
func (r *Registry) Reconcile(seeds []Seed) []Transition {
	var trs []Transition
	for _, s := range seeds {
		if s.Name == "" {
			continue
		}
		r.mu.Lock()
		j, ok := r.jobs[s.Name]
		if ok {
			if s.Credentials.Username != "" {
				j.Credentials = s.Credentials
			}
			if s.Directory != "" {
				j.Directory = s.Directory
			}
		}
		r.mu.Unlock()

		if !s.State.Valid() {
			if !ok {
				s.State = StateCreated
			} else {
				continue
			}
		}
		if !ok && s.State == StateDeleted {
			continue
		}
		tr, err := r.Apply(s.Name, s.State, "metadata")
		if err != nil {
			continue
		}
		if !ok {
			r.mu.Lock()
			if nj, exists := r.jobs[s.Name]; exists {
				nj.Credentials = s.Credentials
				nj.Directory = s.Directory
			}
			r.mu.Unlock()
		}
		if tr.Changed() {
			trs = append(trs, tr)
		}
	}
	return trs
}

func (r *Registry) notify(tr Transition) {
	r.mu.RLock()
	ls := slices.Clone(r.listeners)
	r.mu.RUnlock()
	for _, fn := range ls {
		fn(tr)
	}
}
