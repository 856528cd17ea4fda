package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
)

// --- fakes ---

type fakeStore struct {
	mu            sync.Mutex
	challenges    map[int64]*db.Challenge
	users         map[int64]*db.User
	sandboxes     map[int64]*db.Sandbox
	sessions      map[int64]*db.UserSession
	submissions   []db.Submission
	nextSandboxID int64
	nextSessionID int64

	failCreateSandbox bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		challenges: make(map[int64]*db.Challenge),
		users:      make(map[int64]*db.User),
		sandboxes:  make(map[int64]*db.Sandbox),
		sessions:   make(map[int64]*db.UserSession),
	}
}

func (s *fakeStore) GetChallenge(_ context.Context, id int64) (*db.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.challenges[id]; ok {
		cp := *ch
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetChallengeByName(_ context.Context, name string) (*db.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.challenges {
		if ch.Name == name {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) SetChallengeActive(_ context.Context, id int64, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok {
		return false, db.ErrNotFound
	}
	was := ch.Active
	ch.Active = active
	return was, nil
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) SetUserBanned(_ context.Context, id int64, banned bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, db.ErrNotFound
	}
	was := u.Banned
	u.Banned = banned
	return was, nil
}

func sameUser(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *fakeStore) GetActiveSandbox(_ context.Context, challengeID int64, userID *int64) (*db.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sb := range s.sandboxes {
		if sb.Active && sb.ChallengeID == challengeID && sameUser(sb.UserID, userID) {
			cp := *sb
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetSandbox(_ context.Context, id int64) (*db.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.sandboxes[id]; ok {
		cp := *sb
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) CreateSandbox(_ context.Context, sb *db.Sandbox) (*db.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateSandbox {
		return nil, errors.New("insert failed")
	}
	s.nextSandboxID++
	cp := *sb
	cp.ID = s.nextSandboxID
	cp.CreatedAt = time.Now()
	s.sandboxes[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) RetireSandbox(_ context.Context, id int64, destroyedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.sandboxes[id]
	if !ok {
		return db.ErrNotFound
	}
	sb.Active = false
	sb.DestroyedAt = &destroyedAt
	return nil
}

func (s *fakeStore) listSandboxes(match func(*db.Sandbox) bool) []db.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Sandbox
	for _, sb := range s.sandboxes {
		if match(sb) {
			out = append(out, *sb)
		}
	}
	return out
}

func (s *fakeStore) ListActiveSandboxes(_ context.Context) ([]db.Sandbox, error) {
	return s.listSandboxes(func(sb *db.Sandbox) bool { return sb.Active }), nil
}

func (s *fakeStore) ListActiveSandboxesByChallenge(_ context.Context, challengeID int64) ([]db.Sandbox, error) {
	return s.listSandboxes(func(sb *db.Sandbox) bool {
		return sb.Active && sb.ChallengeID == challengeID
	}), nil
}

func (s *fakeStore) ListActiveSandboxesByUser(_ context.Context, userID int64) ([]db.Sandbox, error) {
	return s.listSandboxes(func(sb *db.Sandbox) bool {
		return sb.Active && sb.UserID != nil && *sb.UserID == userID
	}), nil
}

func (s *fakeStore) ListActiveStaticSandboxes(_ context.Context) ([]db.Sandbox, error) {
	s.mu.Lock()
	statics := make(map[int64]bool)
	for id, ch := range s.challenges {
		if ch.Static {
			statics[id] = true
		}
	}
	s.mu.Unlock()
	return s.listSandboxes(func(sb *db.Sandbox) bool {
		return sb.Active && statics[sb.ChallengeID]
	}), nil
}

func (s *fakeStore) ListReapableSandboxes(_ context.Context, cutoff time.Time) ([]db.Sandbox, error) {
	s.mu.Lock()
	statics := make(map[int64]bool)
	for id, ch := range s.challenges {
		if ch.Static {
			statics[id] = true
		}
	}
	solved := make(map[string]bool)
	for _, sub := range s.submissions {
		if sub.Correct {
			solved[fmt.Sprintf("%d/%d", sub.UserID, sub.ChallengeID)] = true
		}
	}
	s.mu.Unlock()
	return s.listSandboxes(func(sb *db.Sandbox) bool {
		if !sb.Active || statics[sb.ChallengeID] {
			return false
		}
		if !sb.CreatedAt.After(cutoff) {
			return true
		}
		return sb.UserID != nil && solved[fmt.Sprintf("%d/%d", *sb.UserID, sb.ChallengeID)]
	}), nil
}

func (s *fakeStore) HasCorrectSubmission(_ context.Context, userID, challengeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.submissions {
		if sub.UserID == userID && sub.ChallengeID == challengeID && sub.Correct {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CreateSubmission(_ context.Context, userID, challengeID int64, correct bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, db.Submission{
		UserID: userID, ChallengeID: challengeID, Correct: correct, SubmittedAt: time.Now(),
	})
	return nil
}

func (s *fakeStore) addSession(userID int64, ip string, expiresAt time.Time) *db.UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	sess := &db.UserSession{
		ID: s.nextSessionID, UserID: userID, IPAddress: ip,
		ExpiresAt: expiresAt, Active: true,
	}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *fakeStore) GetActiveSession(_ context.Context, userID int64) (*db.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Active && sess.UserID == userID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ListActiveSessions(_ context.Context) ([]db.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.UserSession
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeStore) ListExpiredSessions(_ context.Context, now time.Time) ([]db.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.UserSession
	for _, sess := range s.sessions {
		if sess.Active && !sess.ExpiresAt.After(now) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeStore) DeactivateSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return db.ErrNotFound
	}
	sess.Active = false
	return nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	created []docker.ContainerConfig
	removed []string
	nextID  int

	healthy bool
	ports   map[string]int // inspect output, container port -> host port
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{healthy: true, ports: map[string]int{"8000": 32768}}
}

func (r *fakeRuntime) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.created = append(r.created, cfg)
	return fmt.Sprintf("ctr-%d", r.nextID), nil
}

func (r *fakeRuntime) InspectContainer(_ context.Context, nameOrID string) (*docker.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := &docker.ContainerInfo{ID: nameOrID}
	info.NetworkSettings.Ports = make(map[string][]docker.PortBinding)
	for port, hostPort := range r.ports {
		info.NetworkSettings.Ports[port+"/tcp"] = []docker.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)},
		}
	}
	return info, nil
}

func (r *fakeRuntime) StopAndRemoveContainer(_ context.Context, nameOrID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, nameOrID)
	return nil
}

func (r *fakeRuntime) WaitForHealthy(_ context.Context, _ string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy, nil
}

func (r *fakeRuntime) ListContainers(_ context.Context, _ string) ([]docker.PSEntry, error) {
	return nil, nil
}

type portIP struct {
	port int
	ip   string
}

type fakeFirewall struct {
	mu           sync.Mutex
	inits        int
	mapAdded     []portIP
	mapRemoved   []portIP
	staticAdded  []int
	sandboxTears []int // primary ports passed to RemoveAllPortMappingsForSandbox
	ipWipes      []string
	sweeps       []map[int]bool
}

func (f *fakeFirewall) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeFirewall) AddPortIPMapping(_ context.Context, port int, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapAdded = append(f.mapAdded, portIP{port, ip})
	return nil
}

func (f *fakeFirewall) RemovePortIPMapping(_ context.Context, port int, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapRemoved = append(f.mapRemoved, portIP{port, ip})
}

func (f *fakeFirewall) AddStaticPort(_ context.Context, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staticAdded = append(f.staticAdded, port)
	return nil
}

func (f *fakeFirewall) RemoveStaticPort(context.Context, int) {}

func (f *fakeFirewall) RemoveAllPortMappingsForSandbox(_ context.Context, primaryPort int, _ map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxTears = append(f.sandboxTears, primaryPort)
}

func (f *fakeFirewall) RemoveAllPortsForIP(_ context.Context, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipWipes = append(f.ipWipes, ip)
}

func (f *fakeFirewall) CleanOrphanPorts(_ context.Context, activePorts map[int]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, activePorts)
}

type fakeVolumes struct {
	mu          sync.Mutex
	provisioned []string
	cleanups    []string
	handshakes  []map[string]int
}

func volKey(challengeID int64, userID *int64) string {
	if userID != nil {
		return fmt.Sprintf("%d_%d", challengeID, *userID)
	}
	return fmt.Sprintf("%d", challengeID)
}

func (v *fakeVolumes) Provision(_ context.Context, challengeID int64, userID *int64) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := volKey(challengeID, userID)
	v.provisioned = append(v.provisioned, key)
	return "/vol/" + key, nil
}

func (v *fakeVolumes) WritePortMappings(_ string, mappings map[string]int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handshakes = append(v.handshakes, mappings)
	return nil
}

func (v *fakeVolumes) Cleanup(_ context.Context, challengeID int64, userID *int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cleanups = append(v.cleanups, volKey(challengeID, userID))
}

// fakeLocker polls like the redis locker so concurrent creators actually
// contend.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: make(map[string]bool)} }

func (l *fakeLocker) Acquire(_ context.Context, name string, ttl time.Duration) bool {
	deadline := time.Now().Add(ttl)
	for {
		l.mu.Lock()
		if !l.held[name] {
			l.held[name] = true
			l.mu.Unlock()
			return true
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *fakeLocker) Release(_ context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}

type queuedNote struct {
	message string
	userID  *int64
	toAll   bool
}

type fakeQueue struct {
	mu       sync.Mutex
	cleanups []int64
	notes    []queuedNote
}

func (q *fakeQueue) EnqueueCleanupSandbox(_ context.Context, sandboxID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups = append(q.cleanups, sandboxID)
	return nil
}

func (q *fakeQueue) EnqueueNotification(_ context.Context, message string, userID *int64, toAll bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notes = append(q.notes, queuedNote{message, userID, toAll})
	return nil
}

type sentNote struct {
	userID  int64
	message string
	toAll   bool
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNote
}

func (n *fakeNotifier) SendToUser(_ context.Context, userID int64, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNote{userID: userID, message: message})
	return nil
}

func (n *fakeNotifier) SendToAll(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNote{message: message, toAll: true})
	return nil
}

// --- harness ---

type harness struct {
	store    *fakeStore
	runtime  *fakeRuntime
	firewall *fakeFirewall
	volumes  *fakeVolumes
	queue    *fakeQueue
	engine   *Engine
}

func newHarness() *harness {
	h := &harness{
		store:    newFakeStore(),
		runtime:  newFakeRuntime(),
		firewall: &fakeFirewall{},
		volumes:  &fakeVolumes{},
		queue:    &fakeQueue{},
	}
	h.engine = New(Config{
		Store:         h.store,
		Runtime:       h.runtime,
		Firewall:      h.firewall,
		Volumes:       h.volumes,
		Locks:         newFakeLocker(),
		Queue:         h.queue,
		ServerName:    "ctf.example.com:8080",
		HealthTimeout: time.Second,
		LockTTL:       time.Second,
	})
	return h
}

func (h *harness) addChallenge(id int64, static bool) *db.Challenge {
	ch := &db.Challenge{
		ID: id, Name: fmt.Sprintf("chal-%d", id), Flag: "flag{x}",
		Active: true, Static: static, ImageTag: "xctf/chal:latest",
	}
	h.store.challenges[id] = ch
	return ch
}

func int64Ptr(v int64) *int64 { return &v }

// --- tests ---

func TestGetOrCreateSandbox_CreatesAndAppliesRules(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))

	sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatalf("GetOrCreateSandbox() error: %v", err)
	}
	if sb.ContainerPort != 32768 {
		t.Errorf("ContainerPort = %d, want 32768", sb.ContainerPort)
	}
	if len(h.runtime.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(h.runtime.created))
	}
	cfg := h.runtime.created[0]
	if cfg.Name != "xctf-1-42" {
		t.Errorf("container name = %s, want xctf-1-42", cfg.Name)
	}
	if cfg.Labels[docker.LabelChallengeID] != "1" || cfg.Labels[docker.LabelUserID] != "42" {
		t.Errorf("labels = %v", cfg.Labels)
	}
	if len(h.firewall.mapAdded) != 1 || h.firewall.mapAdded[0] != (portIP{32768, "203.0.113.5"}) {
		t.Errorf("firewall mappings = %v", h.firewall.mapAdded)
	}
	if len(h.volumes.handshakes) != 1 || h.volumes.handshakes[0]["8000"] != 32768 {
		t.Errorf("handshake writes = %v", h.volumes.handshakes)
	}
}

func TestGetOrCreateSandbox_AlwaysRequestsPrimaryPort(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	ch.TCPPorts = []int{9090}
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	h.runtime.ports = map[string]int{"8000": 32768, "9090": 40000}

	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42)); err != nil {
		t.Fatalf("GetOrCreateSandbox() error: %v", err)
	}
	if len(h.runtime.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(h.runtime.created))
	}
	want := []int{8000, 9090}
	got := h.runtime.created[0].Ports
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("requested ports = %v, want %v", got, want)
	}

	// Declaring 8000 explicitly must not request it twice.
	ch2 := h.addChallenge(2, false)
	ch2.TCPPorts = []int{8000, 2222}
	h.runtime.ports = map[string]int{"8000": 32769, "2222": 40001}
	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch2, int64Ptr(42)); err != nil {
		t.Fatalf("GetOrCreateSandbox() error: %v", err)
	}
	got = h.runtime.created[1].Ports
	if len(got) != 2 || got[0] != 8000 || got[1] != 2222 {
		t.Errorf("requested ports = %v, want [8000 2222]", got)
	}
}

func TestGetOrCreateSandbox_ReturnsExisting(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))

	first, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("got different sandboxes: %d then %d", first.ID, second.ID)
	}
	if len(h.runtime.created) != 1 {
		t.Errorf("created %d containers, want 1", len(h.runtime.created))
	}
}

func TestGetOrCreateSandbox_ConcurrentCreatesOne(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = sb.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Errorf("worker %d got sandbox %d, want %d", i, ids[i], ids[0])
		}
	}
	if len(h.runtime.created) != 1 {
		t.Errorf("created %d containers, want 1", len(h.runtime.created))
	}
}

func TestGetOrCreateSandbox_StaticIgnoresUser(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(2, true)

	sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}
	if sb.UserID != nil {
		t.Errorf("static sandbox has user %d", *sb.UserID)
	}
	if h.runtime.created[0].Name != "xctf-2" {
		t.Errorf("container name = %s, want xctf-2", h.runtime.created[0].Name)
	}
	if len(h.firewall.staticAdded) != 1 || h.firewall.staticAdded[0] != 32768 {
		t.Errorf("static ports = %v", h.firewall.staticAdded)
	}
	if len(h.firewall.mapAdded) != 0 {
		t.Errorf("unexpected per-IP mappings for static sandbox: %v", h.firewall.mapAdded)
	}
}

func TestGetOrCreateSandbox_UserRequired(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)

	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, nil); !errors.Is(err, ErrUserRequired) {
		t.Errorf("err = %v, want ErrUserRequired", err)
	}
}

func TestCreateSandbox_RollbackOnHealthTimeout(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.runtime.healthy = false

	_, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if !errors.Is(err, ErrSandboxCreateTimeout) {
		t.Fatalf("err = %v, want ErrSandboxCreateTimeout", err)
	}
	if len(h.runtime.removed) != 1 {
		t.Errorf("removed %d containers, want 1", len(h.runtime.removed))
	}
	if len(h.volumes.cleanups) != 1 {
		t.Errorf("volume cleanups = %v, want 1", h.volumes.cleanups)
	}
	if len(h.store.sandboxes) != 0 {
		t.Errorf("sandbox row persisted after rollback")
	}
}

func TestCreateSandbox_RollbackOnMissingPrimaryPort(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.runtime.ports = map[string]int{"2222": 40000}

	_, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if !errors.Is(err, ErrPrimaryPortMissing) {
		t.Fatalf("err = %v, want ErrPrimaryPortMissing", err)
	}
	if len(h.runtime.removed) != 1 || len(h.volumes.cleanups) != 1 {
		t.Errorf("rollback incomplete: removed=%v cleanups=%v", h.runtime.removed, h.volumes.cleanups)
	}
}

func TestCreateSandbox_RollbackOnStoreFailure(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.failCreateSandbox = true

	_, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(h.firewall.sandboxTears) != 1 || h.firewall.sandboxTears[0] != 32768 {
		t.Errorf("firewall teardown = %v, want [32768]", h.firewall.sandboxTears)
	}
	if len(h.runtime.removed) != 1 || len(h.volumes.cleanups) != 1 {
		t.Errorf("rollback incomplete: removed=%v cleanups=%v", h.runtime.removed, h.volumes.cleanups)
	}
}

func TestCleanupSandbox(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))

	sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.CleanupSandbox(context.Background(), sb.ID); err != nil {
		t.Fatalf("CleanupSandbox() error: %v", err)
	}

	if len(h.firewall.sandboxTears) != 1 || h.firewall.sandboxTears[0] != 32768 {
		t.Errorf("firewall teardown = %v", h.firewall.sandboxTears)
	}
	if len(h.runtime.removed) != 1 {
		t.Errorf("removed %d containers, want 1", len(h.runtime.removed))
	}
	stored := h.store.sandboxes[sb.ID]
	if stored.Active || stored.DestroyedAt == nil {
		t.Error("sandbox not retired in store")
	}
	if len(h.volumes.cleanups) != 1 || h.volumes.cleanups[0] != "1_42" {
		t.Errorf("volume cleanups = %v", h.volumes.cleanups)
	}
}

func TestCleanupSandbox_MissingIsNoop(t *testing.T) {
	h := newHarness()
	if err := h.engine.CleanupSandbox(context.Background(), 999); err != nil {
		t.Errorf("CleanupSandbox(missing) = %v, want nil", err)
	}
}

func TestSubmitFlag(t *testing.T) {
	h := newHarness()
	h.addChallenge(1, false)

	ok, msg := h.engine.SubmitFlag(context.Background(), 42, 999, "flag{x}")
	if ok || msg != "Challenge not found" {
		t.Errorf("missing challenge: ok=%v msg=%q", ok, msg)
	}

	ok, msg = h.engine.SubmitFlag(context.Background(), 42, 1, "flag{wrong}")
	if ok || msg != "incorrect flag" {
		t.Errorf("wrong flag: ok=%v msg=%q", ok, msg)
	}

	ok, msg = h.engine.SubmitFlag(context.Background(), 42, 1, "  flag{x}  ")
	if !ok || msg != "correct flag" {
		t.Errorf("correct flag: ok=%v msg=%q", ok, msg)
	}

	ok, msg = h.engine.SubmitFlag(context.Background(), 42, 1, "flag{x}")
	if ok || msg != "You have already solved this challenge." {
		t.Errorf("repeat solve: ok=%v msg=%q", ok, msg)
	}
}

func TestHandoffSessionRules(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	chStatic := h.addChallenge(2, true)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))

	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42)); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.GetOrCreateSandbox(context.Background(), chStatic, nil); err != nil {
		t.Fatal(err)
	}
	h.firewall.mapAdded = nil

	h.engine.HandoffSessionRules(context.Background(), 42, "203.0.113.5", "198.51.100.7")

	if len(h.firewall.mapRemoved) != 1 || h.firewall.mapRemoved[0] != (portIP{32768, "203.0.113.5"}) {
		t.Errorf("removed = %v", h.firewall.mapRemoved)
	}
	if len(h.firewall.mapAdded) != 1 || h.firewall.mapAdded[0] != (portIP{32768, "198.51.100.7"}) {
		t.Errorf("added = %v", h.firewall.mapAdded)
	}
}

func TestHandoffSessionRules_FirstLoginOnlyAdds(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42)); err != nil {
		t.Fatal(err)
	}
	h.firewall.mapAdded = nil

	h.engine.HandoffSessionRules(context.Background(), 42, "", "203.0.113.5")

	if len(h.firewall.mapRemoved) != 0 {
		t.Errorf("unexpected removals: %v", h.firewall.mapRemoved)
	}
	if len(h.firewall.mapAdded) != 1 {
		t.Errorf("added = %v", h.firewall.mapAdded)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	sess := h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42)); err != nil {
		t.Fatal(err)
	}
	// Expire it.
	h.store.mu.Lock()
	h.store.sessions[sess.ID].ExpiresAt = time.Now().Add(-time.Minute)
	h.store.mu.Unlock()

	h.engine.CleanupExpiredSessions(context.Background())

	if h.store.sessions[sess.ID].Active {
		t.Error("expired session still active")
	}
	if len(h.firewall.sandboxTears) != 1 {
		t.Errorf("firewall teardowns = %v, want 1", h.firewall.sandboxTears)
	}
	// Sandbox keeps running; only its rules are gone.
	if !h.store.sandboxes[1].Active {
		t.Error("sandbox retired by session cleanup")
	}
}

func TestRebuildFirewall(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	chStatic := h.addChallenge(2, true)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))

	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42)); err != nil {
		t.Fatal(err)
	}
	h.runtime.ports = map[string]int{"8000": 40000}
	if _, err := h.engine.GetOrCreateSandbox(context.Background(), chStatic, nil); err != nil {
		t.Fatal(err)
	}
	h.firewall.mapAdded = nil
	h.firewall.staticAdded = nil

	if err := h.engine.RebuildFirewall(context.Background()); err != nil {
		t.Fatalf("RebuildFirewall() error: %v", err)
	}

	if len(h.firewall.mapAdded) != 1 || h.firewall.mapAdded[0] != (portIP{32768, "203.0.113.5"}) {
		t.Errorf("rebuilt mappings = %v", h.firewall.mapAdded)
	}
	if len(h.firewall.staticAdded) != 1 || h.firewall.staticAdded[0] != 40000 {
		t.Errorf("rebuilt static ports = %v", h.firewall.staticAdded)
	}
	if len(h.firewall.sweeps) != 1 {
		t.Fatalf("sweeps = %d, want 1", len(h.firewall.sweeps))
	}
	want := map[int]bool{32768: true, 40000: true}
	if len(h.firewall.sweeps[0]) != len(want) {
		t.Errorf("sweep active ports = %v, want %v", h.firewall.sweeps[0], want)
	}
	for port := range want {
		if !h.firewall.sweeps[0][port] {
			t.Errorf("sweep missing active port %d", port)
		}
	}
}

func TestDestroyReapableSandboxes(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}

	// Fresh and unsolved: nothing to reap.
	n, err := h.engine.DestroyReapableSandboxes(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("reaped %d (err %v), want 0", n, err)
	}

	// Solved: reapable regardless of age.
	if err := h.store.CreateSubmission(context.Background(), 42, 1, true); err != nil {
		t.Fatal(err)
	}
	n, err = h.engine.DestroyReapableSandboxes(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reaped %d (err %v), want 1", n, err)
	}
	if len(h.queue.cleanups) != 1 || h.queue.cleanups[0] != sb.ID {
		t.Errorf("enqueued cleanups = %v", h.queue.cleanups)
	}
}

func TestDeactivateChallenge(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.DeactivateChallenge(context.Background(), 1); err != nil {
		t.Fatalf("DeactivateChallenge() error: %v", err)
	}
	if len(h.queue.cleanups) != 1 || h.queue.cleanups[0] != sb.ID {
		t.Errorf("enqueued cleanups = %v", h.queue.cleanups)
	}
	if len(h.queue.notes) != 1 || !h.queue.notes[0].toAll {
		t.Fatalf("notes = %v", h.queue.notes)
	}
	if h.queue.notes[0].message != "Challenge chal-1 has been deactivated." {
		t.Errorf("note message = %q", h.queue.notes[0].message)
	}

	// Second deactivation is a no-op.
	h.queue.cleanups = nil
	h.queue.notes = nil
	if err := h.engine.DeactivateChallenge(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(h.queue.cleanups) != 0 || len(h.queue.notes) != 0 {
		t.Error("repeat deactivation scheduled work")
	}
}

func TestDeactivateChallenge_NotifiesInlineWithoutQueue(t *testing.T) {
	h := newHarness()
	notifier := &fakeNotifier{}
	h.engine = New(Config{
		Store:         h.store,
		Runtime:       h.runtime,
		Firewall:      h.firewall,
		Volumes:       h.volumes,
		Locks:         newFakeLocker(),
		Notifier:      notifier,
		ServerName:    "ctf.example.com:8080",
		HealthTimeout: time.Second,
		LockTTL:       time.Second,
	})
	ch := h.addChallenge(1, false)
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	if _, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42)); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.DeactivateChallenge(context.Background(), 1); err != nil {
		t.Fatalf("DeactivateChallenge() error: %v", err)
	}
	// Cleanup ran inline.
	if len(h.runtime.removed) != 1 {
		t.Errorf("removed %d containers, want 1", len(h.runtime.removed))
	}
	// The broadcast must not be dropped just because no queue is wired.
	if len(notifier.sent) != 1 || !notifier.sent[0].toAll {
		t.Fatalf("sent = %v", notifier.sent)
	}
	if notifier.sent[0].message != "Challenge chal-1 has been deactivated." {
		t.Errorf("message = %q", notifier.sent[0].message)
	}
}

func TestBanUser(t *testing.T) {
	h := newHarness()
	ch := h.addChallenge(1, false)
	h.store.users[42] = &db.User{ID: 42, Username: "mallory"}
	h.store.addSession(42, "203.0.113.5", time.Now().Add(time.Hour))
	sb, err := h.engine.GetOrCreateSandbox(context.Background(), ch, int64Ptr(42))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.engine.BanUser(context.Background(), 42); err != nil {
		t.Fatalf("BanUser() error: %v", err)
	}
	if !h.store.users[42].Banned {
		t.Error("user not banned")
	}
	if len(h.queue.cleanups) != 1 || h.queue.cleanups[0] != sb.ID {
		t.Errorf("enqueued cleanups = %v", h.queue.cleanups)
	}

	// Repeat ban schedules nothing.
	h.queue.cleanups = nil
	if err := h.engine.BanUser(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	if len(h.queue.cleanups) != 0 {
		t.Error("repeat ban scheduled cleanup")
	}
}

func TestSandboxURL(t *testing.T) {
	h := newHarness()
	sb := &db.Sandbox{ContainerPort: 32768}
	if got := h.engine.SandboxURL(sb); got != "http://ctf.example.com:32768" {
		t.Errorf("SandboxURL() = %s", got)
	}
}
