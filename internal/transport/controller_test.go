package transport

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ad-repo/adamp-sub001/internal/config"
	"github.com/ad-repo/adamp-sub001/internal/eq"
	"github.com/ad-repo/adamp-sub001/internal/events"
	"github.com/ad-repo/adamp-sub001/internal/graph"
	"github.com/ad-repo/adamp-sub001/internal/media"
	"github.com/ad-repo/adamp-sub001/internal/stream"
)

type fakeGraph struct {
	mu         sync.Mutex
	track      media.Track
	prepared   *eq.Snapshot
	applied    *eq.Snapshot
	playing    bool
	stopped    bool
	paused     bool
	duration   time.Duration
	position   time.Duration
	gain       float64
	gains      []float64
	prepareErr error
	log        *opLog
	events     chan graph.Event
}

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func newFakeGraph(track media.Track, log *opLog) *fakeGraph {
	return &fakeGraph{
		track:  track,
		gain:   1,
		log:    log,
		events: make(chan graph.Event, 8),
	}
}

func (g *fakeGraph) Prepare(ctx context.Context, snapshot *eq.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prepareErr != nil {
		return g.prepareErr
	}
	g.prepared = snapshot
	g.applied = snapshot
	if g.log != nil {
		g.log.add("prepare:" + g.track.ID)
	}
	return nil
}

func (g *fakeGraph) Play() {
	g.mu.Lock()
	g.playing = true
	g.mu.Unlock()
	if g.log != nil {
		g.log.add("play:" + g.track.ID)
	}
}

func (g *fakeGraph) Pause()  { g.mu.Lock(); g.paused = true; g.mu.Unlock() }
func (g *fakeGraph) Resume() { g.mu.Lock(); g.paused = false; g.mu.Unlock() }

func (g *fakeGraph) Stop() {
	g.mu.Lock()
	already := g.stopped
	g.stopped = true
	g.mu.Unlock()
	if !already {
		close(g.events)
	}
	if g.log != nil {
		g.log.add("stop:" + g.track.ID)
	}
}

func (g *fakeGraph) Seek(pos time.Duration) error {
	g.mu.Lock()
	g.position = pos
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) Position() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position
}

func (g *fakeGraph) Duration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duration
}

func (g *fakeGraph) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.duration == 0 {
		return 0
	}
	return g.duration - g.position
}

func (g *fakeGraph) ApplyEqualizer(snapshot *eq.Snapshot) {
	g.mu.Lock()
	g.applied = snapshot
	g.mu.Unlock()
}

func (g *fakeGraph) SetGain(gain float64) {
	g.mu.Lock()
	g.gain = gain
	g.gains = append(g.gains, gain)
	g.mu.Unlock()
}

func (g *fakeGraph) gainHistory() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]float64(nil), g.gains...)
}

func (g *fakeGraph) setProgress(pos, dur time.Duration) {
	g.mu.Lock()
	g.position = pos
	g.duration = dur
	g.mu.Unlock()
}

func (g *fakeGraph) AttachTap(graph.Tap)        {}
func (g *fakeGraph) Events() <-chan graph.Event { return g.events }

func (g *fakeGraph) appliedSnapshot() *eq.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

type fakeFactory struct {
	mu      sync.Mutex
	log     opLog
	created []*fakeGraph
	failIDs map[string]bool
}

func (f *fakeFactory) build(track media.Track, cfg *config.Config, logger zerolog.Logger) graph.Graph {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := newFakeGraph(track, &f.log)
	if f.failIDs[track.ID] {
		g.prepareErr = &graph.DecodeError{Source: track.URL, Err: errors.New("corrupt")}
	}
	f.created = append(f.created, g)
	return g
}

func (f *fakeFactory) graph(i int) *fakeGraph {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.created) {
		return nil
	}
	return f.created[i]
}

func (f *fakeFactory) waitCreated(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		count := len(f.created)
		f.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %d graphs created, want %d", len(f.created), n)
}

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:        44100,
		StreamUserAgent:   "adamp/1.0",
		GaplessEnabled:    true,
		GaplessLookahead:  5 * time.Second,
		CrossfadeDuration: 2 * time.Second,
	}
}

func newTestController(t *testing.T) (*Controller, *fakeFactory, *eq.State) {
	t.Helper()
	bus := events.NewBus()
	eqState := eq.NewState()
	sup := stream.NewSupervisor(bus, noopScheduler{}, 5, zerolog.Nop())
	c := New(testConfig(), bus, eqState, nil, sup, nil, nil, noopScheduler{}, zerolog.Nop())
	f := &fakeFactory{}
	c.factory = f.build
	return c, f, eqState
}

type noopScheduler struct{}

func (noopScheduler) AfterFunc(d time.Duration, fn func()) func() { return func() {} }

// manualScheduler queues callbacks so tests can drive timer-based
// transitions step by step.
type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) func() {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *manualScheduler) runAll() {
	for {
		s.mu.Lock()
		if len(s.fns) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.fns[0]
		s.fns = s.fns[1:]
		s.mu.Unlock()
		fn()
	}
}

func localTrack(id string) media.Track {
	return media.Track{ID: id, Source: media.SourceLocal, Kind: media.KindAudio, URL: "/music/" + id + ".mp3"}
}

func streamTrack(id string) media.Track {
	return media.Track{ID: id, Source: media.SourceStream, Kind: media.KindAudio, URL: "http://radio.example/" + id}
}

func TestLoadPushesEqualizerBeforeAudible(t *testing.T) {
	c, f, eqState := newTestController(t)
	eqState.SetBand(3, 6)
	eqState.SetPreamp(-3)
	eqState.SetEnabled(true)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}

	g := f.graph(0)
	want := eqState.Snapshot()
	if g.prepared == nil || !g.prepared.Equal(want) {
		t.Fatalf("prepared snapshot = %+v, want %+v", g.prepared, want)
	}

	ops := f.log.snapshot()
	if len(ops) < 2 || ops[0] != "prepare:a" || ops[1] != "play:a" {
		t.Fatalf("ops = %v, want prepare before play", ops)
	}
}

func TestKindSwitchPreservesEqualizer(t *testing.T) {
	c, f, eqState := newTestController(t)
	eqState.SetEnabled(true)
	eqState.SetBand(0, -6)
	eqState.SetBand(9, 9)
	eqState.SetPreamp(2)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load local = %v", err)
	}
	c.Load(context.Background(), streamTrack("b"))
	f.waitCreated(t, 2)

	// The streaming graph must carry the full 11-value snapshot taken at
	// the switch.
	deadline := time.Now().Add(2 * time.Second)
	want := eqState.Snapshot()
	for {
		snap := f.graph(1).appliedSnapshot()
		if snap != nil && snap.Equal(want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream graph snapshot = %+v, want %+v", snap, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKindSwitchTearsDownOldFirst(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	c.Load(context.Background(), streamTrack("b"))
	f.waitCreated(t, 2)

	ops := f.log.snapshot()
	stopIdx, prepIdx := -1, -1
	for i, op := range ops {
		switch op {
		case "stop:a":
			stopIdx = i
		case "prepare:b":
			prepIdx = i
		}
	}
	if stopIdx == -1 || prepIdx == -1 || stopIdx > prepIdx {
		t.Fatalf("ops = %v, want stop:a before prepare:b on kind change", ops)
	}
}

func TestSameKindPreparesBeforeTeardown(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load a = %v", err)
	}
	if err := c.Load(context.Background(), localTrack("b")); err != nil {
		t.Fatalf("Load b = %v", err)
	}

	ops := f.log.snapshot()
	stopIdx, prepIdx := -1, -1
	for i, op := range ops {
		switch op {
		case "stop:a":
			stopIdx = i
		case "prepare:b":
			prepIdx = i
		}
	}
	if stopIdx == -1 || prepIdx == -1 || prepIdx > stopIdx {
		t.Fatalf("ops = %v, want prepare:b before stop:a for same kind", ops)
	}
}

func TestStreamSwapKeepsAudioThroughConnect(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), streamTrack("a")); err != nil {
		t.Fatalf("Load a = %v", err)
	}
	f.waitCreated(t, 1)
	waitForPlaying(t, c, "a")

	if err := c.Load(context.Background(), streamTrack("b")); err != nil {
		t.Fatalf("Load b = %v", err)
	}
	f.waitCreated(t, 2)
	waitForPlaying(t, c, "b")

	ops := f.log.snapshot()
	stopIdx, prepIdx := -1, -1
	for i, op := range ops {
		switch op {
		case "stop:a":
			stopIdx = i
		case "prepare:b":
			prepIdx = i
		}
	}
	if stopIdx == -1 || prepIdx == -1 || prepIdx > stopIdx {
		t.Fatalf("ops = %v, want the outgoing stream alive until the replacement is prepared", ops)
	}
	if !f.graph(0).stopped {
		t.Fatal("outgoing stream graph never torn down")
	}
}

func waitForPlaying(t *testing.T, c *Controller, trackID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := c.Status(); st.State == StatePlaying && st.Track.ID == trackID {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status = %+v, want playing %s", c.Status(), trackID)
}

func TestDecodeErrorSkipsToNextQueued(t *testing.T) {
	c, f, _ := newTestController(t)
	f.failIDs = map[string]bool{"bad": true}

	c.Enqueue(localTrack("good"))
	if err := c.Load(context.Background(), localTrack("bad")); err != nil {
		t.Fatalf("Load = %v (skip should recover)", err)
	}

	st := c.Status()
	if st.Track.ID != "good" || st.State != StatePlaying {
		t.Fatalf("status = %+v, want playing good", st)
	}
}

func TestDecodeErrorEmptyQueueStops(t *testing.T) {
	c, f, _ := newTestController(t)
	f.failIDs = map[string]bool{"bad": true}

	err := c.Load(context.Background(), localTrack("bad"))
	var de *graph.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Load error = %v, want DecodeError", err)
	}
	if st := c.Status(); st.State != StateStopped {
		t.Fatalf("state = %v, want stopped", st.State)
	}
}

func TestEqualizerChangePropagatesToLiveGraph(t *testing.T) {
	c, f, eqState := newTestController(t)
	eqState.SetEnabled(true)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	before := f.graph(0).appliedSnapshot()

	c.SetBand(5, 8)

	after := f.graph(0).appliedSnapshot()
	if after == before {
		t.Fatal("snapshot pointer unchanged after SetBand")
	}
	if after.Bands[5] != 8 {
		t.Fatalf("band 5 = %v, want 8", after.Bands[5])
	}
}

func TestNextAdvancesQueue(t *testing.T) {
	c, _, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	c.Enqueue(localTrack("b"))
	c.Enqueue(localTrack("c"))

	if err := c.Next(context.Background()); err != nil {
		t.Fatalf("Next = %v", err)
	}
	st := c.Status()
	if st.Track.ID != "b" || st.QueueLength != 1 {
		t.Fatalf("status = %+v, want track b with 1 queued", st)
	}

	if err := c.Next(context.Background()); err != nil {
		t.Fatalf("Next = %v", err)
	}
	if err := c.Next(context.Background()); err == nil {
		t.Fatal("Next on empty queue should error")
	}
}

func TestPauseResumeStateMachine(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	c.Pause()
	if st := c.Status(); st.State != StatePaused {
		t.Fatalf("state = %v, want paused", st.State)
	}
	if !f.graph(0).paused {
		t.Fatal("graph not paused")
	}
	c.Play()
	if st := c.Status(); st.State != StatePlaying {
		t.Fatalf("state = %v, want playing", st.State)
	}
}

func TestStopTearsDownEverything(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	c.Stop()

	if !f.graph(0).stopped {
		t.Fatal("graph not stopped")
	}
	if st := c.Status(); st.State != StateStopped {
		t.Fatalf("state = %v, want stopped", st.State)
	}
}

func TestGaplessSwapAtTrackEnd(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	cur := f.graph(0)
	cur.mu.Lock()
	cur.duration = 100 * time.Second
	cur.position = 96 * time.Second
	cur.mu.Unlock()

	c.Enqueue(localTrack("b"))

	// Within lookahead: the tick prepares the next graph.
	c.tick(context.Background())
	f.waitCreated(t, 2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		ready := c.nextReady
		c.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("next graph never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	// Boundary: the prepared graph takes over immediately.
	cur.events <- graph.Event{Type: graph.EventTrackEnded}

	deadline = time.Now().Add(2 * time.Second)
	for {
		st := c.Status()
		if st.Track.ID == "b" && st.State == StatePlaying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %+v, want playing b", c.Status())
		}
		time.Sleep(time.Millisecond)
	}
	if !f.graph(1).playing {
		t.Fatal("incoming graph not playing")
	}
	if !cur.stopped {
		t.Fatal("outgoing graph not stopped")
	}
}

func TestTrackEndWithEmptyQueueStops(t *testing.T) {
	c, f, _ := newTestController(t)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	g := f.graph(0)
	g.events <- graph.Event{Type: graph.EventTrackEnded}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st := c.Status(); st.State == StateStopped {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want stopped", c.Status().State)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCrossfadeRampsEqualPower(t *testing.T) {
	c, f, _ := newTestController(t)
	ms := &manualScheduler{}
	c.sched = ms
	c.SetCrossfade(true, 2*time.Second)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	cur := f.graph(0)
	cur.setProgress(296*time.Second, 300*time.Second)
	c.Enqueue(localTrack("b"))

	// Within lookahead: the tick prepares the next graph.
	c.tick(context.Background())
	f.waitCreated(t, 2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		ready := c.nextReady
		c.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("next graph never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	// Inside the overlap window: the ramp starts with the incoming
	// graph live at zero gain.
	cur.setProgress(298500*time.Millisecond, 300*time.Second)
	c.tick(context.Background())

	in := f.graph(1)
	if !in.playing {
		t.Fatal("incoming graph not started at ramp begin")
	}
	if first := in.gainHistory(); len(first) == 0 || first[0] != 0 {
		t.Fatalf("incoming gain history starts %v, want 0", first)
	}

	// Drive every scheduled ramp step to completion.
	ms.runAll()

	st := c.Status()
	if st.Track.ID != "b" || st.State != StatePlaying {
		t.Fatalf("status = %+v, want playing b", st)
	}
	if !cur.stopped {
		t.Fatal("outgoing graph not stopped after ramp")
	}

	outGains := cur.gainHistory()
	inGains := in.gainHistory()
	if len(outGains) != crossfadeStepCount || len(inGains) != crossfadeStepCount+1 {
		t.Fatalf("ramp lengths = %d out, %d in", len(outGains), len(inGains))
	}
	for i, out := range outGains {
		power := out*out + inGains[i+1]*inGains[i+1]
		if math.Abs(power-1) > 1e-9 {
			t.Fatalf("step %d combined power = %v, want 1", i, power)
		}
	}
	if final := inGains[len(inGains)-1]; final != 1 {
		t.Fatalf("incoming final gain = %v, want 1", final)
	}
	if final := outGains[len(outGains)-1]; math.Abs(final) > 1e-9 {
		t.Fatalf("outgoing final gain = %v, want 0", final)
	}
}

func TestCrossfadeWinsOverGapless(t *testing.T) {
	c, f, _ := newTestController(t)
	ms := &manualScheduler{}
	c.sched = ms
	c.SetCrossfade(true, 2*time.Second)

	if err := c.Load(context.Background(), localTrack("a")); err != nil {
		t.Fatalf("Load = %v", err)
	}
	cur := f.graph(0)
	cur.setProgress(96*time.Second, 100*time.Second)
	c.Enqueue(localTrack("b"))

	c.tick(context.Background())
	f.waitCreated(t, 2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		ready := c.nextReady
		c.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("next graph never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	cur.setProgress(99*time.Second, 100*time.Second)
	c.tick(context.Background())

	// A track-end arriving mid-ramp must not trigger the gapless swap
	// on top of the running crossfade.
	cur.events <- graph.Event{Type: graph.EventTrackEnded}
	time.Sleep(10 * time.Millisecond)
	ms.runAll()

	var plays int
	for _, op := range f.log.snapshot() {
		if op == "play:b" {
			plays++
		}
	}
	if plays != 1 {
		t.Fatalf("incoming graph played %d times, want 1", plays)
	}
	if st := c.Status(); st.Track.ID != "b" || st.State != StatePlaying {
		t.Fatalf("status = %+v, want playing b", st)
	}
}

func TestTelemetryBackpressureDropsInsteadOfBlocking(t *testing.T) {
	c, _, _ := newTestController(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	c.scrobbleOps <- func() { close(entered); <-release }
	<-entered
	for i := 0; i < cap(c.scrobbleOps); i++ {
		c.scrobbleOps <- func() {}
	}

	done := make(chan struct{})
	go func() {
		c.queueScrobble(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry enqueue blocked on a backed-up channel")
	}
}
