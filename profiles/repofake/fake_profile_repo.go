package fakeprofilerepo

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-reconciler/profiles"
)

var _ profiles.Repo = (*FakeProfileRepo)(nil)

// FakeProfileRepo is an in-memory profile store path with injectable
// failures and latency, used to exercise the resolver's retry and timeout
// behaviour.
type FakeProfileRepo struct {
	profiles map[string]*profiles.Profile
	lock     sync.RWMutex

	// Injected failures. When set, the corresponding call returns the error
	// after any configured latency.
	GetErr    error
	InsertErr error
	UpdateErr error
	HealthErr error

	// Latency applies to Get and Insert, for timeout-race tests.
	Latency time.Duration

	getCalls    int
	insertCalls int
	updateCalls int
}

func NewFakeProfileRepo() *FakeProfileRepo {
	return &FakeProfileRepo{
		profiles: make(map[string]*profiles.Profile),
	}
}

// Seed stores a profile directly, bypassing failure injection.
func (pr *FakeProfileRepo) Seed(profile *profiles.Profile) {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	pr.profiles[profile.ID] = profile
}

func (pr *FakeProfileRepo) GetCalls() int {
	pr.lock.RLock()
	defer pr.lock.RUnlock()
	return pr.getCalls
}

func (pr *FakeProfileRepo) InsertCalls() int {
	pr.lock.RLock()
	defer pr.lock.RUnlock()
	return pr.insertCalls
}

func (pr *FakeProfileRepo) UpdateCalls() int {
	pr.lock.RLock()
	defer pr.lock.RUnlock()
	return pr.updateCalls
}

func (pr *FakeProfileRepo) Get(ctx context.Context, userID string) (*profiles.Profile, error) {
	pr.lock.Lock()
	pr.getCalls++
	latency, err := pr.Latency, pr.GetErr
	pr.lock.Unlock()

	pr.sleep(latency)
	if err != nil {
		return nil, err
	}

	pr.lock.RLock()
	defer pr.lock.RUnlock()
	profile, ok := pr.profiles[userID]
	if !ok {
		return nil, profiles.ProfileNotFoundErr
	}
	copied := *profile
	return &copied, nil
}

func (pr *FakeProfileRepo) Insert(ctx context.Context, profile *profiles.Profile) (*profiles.Profile, error) {
	pr.lock.Lock()
	pr.insertCalls++
	latency, err := pr.Latency, pr.InsertErr
	pr.lock.Unlock()

	pr.sleep(latency)
	if err != nil {
		return nil, err
	}

	pr.lock.Lock()
	defer pr.lock.Unlock()
	copied := *profile
	pr.profiles[copied.ID] = &copied
	stored := copied
	return &stored, nil
}

func (pr *FakeProfileRepo) Update(ctx context.Context, userID string, partial profiles.Partial) error {
	pr.lock.Lock()
	pr.updateCalls++
	err := pr.UpdateErr
	pr.lock.Unlock()

	if err != nil {
		return err
	}

	pr.lock.Lock()
	defer pr.lock.Unlock()
	profile, ok := pr.profiles[userID]
	if !ok {
		return profiles.ProfileNotFoundErr
	}
	profile.Merge(partial, time.Now())
	return nil
}

func (pr *FakeProfileRepo) Health(ctx context.Context) error {
	pr.lock.RLock()
	defer pr.lock.RUnlock()
	return pr.HealthErr
}

func (pr *FakeProfileRepo) sleep(latency time.Duration) {
	if latency > 0 {
		time.Sleep(latency)
	}
}
