package command_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxmod/internal/command"
	"github.com/MrWong99/voxmod/internal/wake"
)

// recordingSink captures assembler output.
type recordingSink struct {
	mu           sync.Mutex
	commands     []command.Command
	unrecognized []string
}

func (s *recordingSink) Dispatch(_ context.Context, cmd command.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

func (s *recordingSink) Unrecognized(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unrecognized = append(s.unrecognized, text)
}

func (s *recordingSink) snapshot() ([]command.Command, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]command.Command(nil), s.commands...), append([]string(nil), s.unrecognized...)
}

// keywordParser recognises "ban <user>" and "clear chat"; everything else is
// unrecognised. Parsed texts are recorded.
type keywordParser struct {
	mu    sync.Mutex
	texts []string
}

func (p *keywordParser) Parse(_ context.Context, text string) (*command.Intent, error) {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()

	fields := strings.Fields(strings.ToLower(text))
	switch {
	case len(fields) == 2 && fields[0] == "ban":
		return &command.Intent{Action: command.ActionBan, Username: fields[1]}, nil
	case len(fields) >= 1 && fields[0] == "clear":
		return &command.Intent{Action: command.ActionClear}, nil
	}
	return nil, nil
}

func newAssembler(t *testing.T, opts ...command.Option) (*command.Assembler, *recordingSink, *keywordParser) {
	t.Helper()
	sink := &recordingSink{}
	parser := &keywordParser{}
	a := command.NewAssembler(wake.MustNew("hey", "brian"), parser, sink, opts...)
	t.Cleanup(a.Close)
	return a, sink, parser
}

func utter(text string, at time.Time) command.Utterance {
	return command.Utterance{
		Text:        text,
		HasWakeWord: wake.MustNew("hey", "brian").Contains(text),
		ObservedAt:  at,
	}
}

func TestAssembler_DirectDispatch(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()

	a.Handle(ctx, utter("Hey Brian, ban spammer", time.Now()))

	cmds, _ := sink.snapshot()
	if len(cmds) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(cmds))
	}
	if cmds[0].Text != "ban spammer" || cmds[0].Combined {
		t.Errorf("command = %+v", cmds[0])
	}
	if cmds[0].Intent.Action != command.ActionBan || cmds[0].Intent.Username != "spammer" {
		t.Errorf("intent = %+v", cmds[0].Intent)
	}
	if a.State() != command.StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
}

func TestAssembler_IgnoresTextWithoutWakeWord(t *testing.T) {
	t.Parallel()
	a, sink, parser := newAssembler(t)

	a.Handle(context.Background(), utter("ban spammer", time.Now()))

	cmds, unrec := sink.snapshot()
	if len(cmds) != 0 || len(unrec) != 0 {
		t.Errorf("got commands=%v unrecognized=%v, want none", cmds, unrec)
	}
	if len(parser.texts) != 0 {
		t.Errorf("parser called with %v", parser.texts)
	}
}

func TestAssembler_CombinesWithinTimeout(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	a.Handle(ctx, utter("hey brian", t0))
	if a.State() != command.StateAwaiting {
		t.Fatalf("state = %s, want awaiting", a.State())
	}
	p, ok := a.Pending()
	if !ok || p.Text != "hey brian" || !p.CreatedAt.Equal(t0) {
		t.Fatalf("pending = %+v, %v", p, ok)
	}

	a.Handle(ctx, utter("ban spammer", t0.Add(5*time.Second)))

	cmds, _ := sink.snapshot()
	if len(cmds) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(cmds))
	}
	if cmds[0].Text != "ban spammer" || !cmds[0].Combined {
		t.Errorf("command = %+v, want combined \"ban spammer\"", cmds[0])
	}
	if a.State() != command.StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
}

func TestAssembler_PartialRemainderCombines(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	a.Handle(ctx, utter("hey brian, ban", t0))
	a.Handle(ctx, utter("spammer", t0.Add(2*time.Second)))

	cmds, _ := sink.snapshot()
	if len(cmds) != 1 || cmds[0].Text != "ban spammer" {
		t.Fatalf("commands = %+v, want one \"ban spammer\"", cmds)
	}
}

func TestAssembler_OutOfOrderCompletionCombinesInArrivalOrder(t *testing.T) {
	t.Parallel()
	a, sink, parser := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	// The continuation's transcription finished before the wake phrase's
	// but reached the assembler second.
	a.Handle(ctx, utter("hey brian", t0))
	a.Handle(ctx, utter("ban spammer", t0.Add(-2*time.Second)))

	cmds, unrec := sink.snapshot()
	if len(cmds) != 1 || len(unrec) != 0 {
		t.Fatalf("commands = %+v, unrecognized = %v; want one command", cmds, unrec)
	}
	if cmds[0].Text != "ban spammer" || !cmds[0].Combined {
		t.Errorf("command = %+v, want combined \"ban spammer\"", cmds[0])
	}
	if !cmds[0].ReceivedAt.Equal(t0.Add(-2 * time.Second)) {
		t.Errorf("ReceivedAt = %v, want the continuation's own completion time", cmds[0].ReceivedAt)
	}
	if len(parser.texts) != 1 || parser.texts[0] != "ban spammer" {
		t.Errorf("parser saw %q, want only the arrival-order text", parser.texts)
	}
	if a.State() != command.StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
}

func TestAssembler_ExpiredPendingIsNotCombined(t *testing.T) {
	t.Parallel()
	a, sink, parser := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	a.Handle(ctx, utter("hey brian", t0))
	a.Handle(ctx, utter("ban spammer", t0.Add(20*time.Second)))

	cmds, unrec := sink.snapshot()
	if len(cmds) != 0 || len(unrec) != 0 {
		t.Errorf("got commands=%v unrecognized=%v, want none", cmds, unrec)
	}
	if a.State() != command.StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
	for _, text := range parser.texts {
		if text == "ban spammer" {
			t.Error("late utterance was parsed")
		}
	}
}

func TestAssembler_SingleCombinationAttempt(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	a.Handle(ctx, utter("hey brian", t0))
	a.Handle(ctx, utter("what a game", t0.Add(time.Second)))
	a.Handle(ctx, utter("ban spammer", t0.Add(2*time.Second)))

	cmds, unrec := sink.snapshot()
	if len(cmds) != 0 {
		t.Errorf("dispatched %v, want none", cmds)
	}
	if len(unrec) != 1 || unrec[0] != "what a game" {
		t.Errorf("unrecognized = %v, want [\"what a game\"]", unrec)
	}
	if a.State() != command.StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
}

func TestAssembler_WakeWordReplacesPending(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	a.Handle(ctx, utter("hey brian, uh", t0))
	a.Handle(ctx, utter("hey brian", t0.Add(3*time.Second)))

	p, ok := a.Pending()
	if !ok || p.Text != "hey brian" || !p.CreatedAt.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("pending = %+v, %v, want the replacement", p, ok)
	}

	a.Handle(ctx, utter("clear chat", t0.Add(4*time.Second)))
	cmds, _ := sink.snapshot()
	if len(cmds) != 1 || cmds[0].Intent.Action != command.ActionClear {
		t.Fatalf("commands = %+v, want one clear", cmds)
	}
}

func TestAssembler_WakeWordWithCommandReplacesPending(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()
	t0 := time.Now()

	a.Handle(ctx, utter("hey brian", t0))
	a.Handle(ctx, utter("hey brian ban troll", t0.Add(time.Second)))

	cmds, _ := sink.snapshot()
	if len(cmds) != 1 || cmds[0].Text != "ban troll" || cmds[0].Combined {
		t.Fatalf("commands = %+v, want one direct \"ban troll\"", cmds)
	}
	if a.State() != command.StateIdle {
		t.Errorf("state = %s, want idle", a.State())
	}
}

func TestAssembler_TimerExpiresPending(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t, command.WithTimeout(20*time.Millisecond))

	a.Handle(context.Background(), utter("hey brian", time.Now()))

	deadline := time.Now().Add(2 * time.Second)
	for a.State() != command.StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("pending command never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cmds, unrec := sink.snapshot()
	if len(cmds) != 0 || len(unrec) != 0 {
		t.Errorf("expiry produced output: %v %v", cmds, unrec)
	}
}

func TestAssembler_StaleTimerDoesNotClearReplacement(t *testing.T) {
	t.Parallel()
	a, _, _ := newAssembler(t, command.WithTimeout(300*time.Millisecond))
	ctx := context.Background()

	a.Handle(ctx, utter("hey brian", time.Now()))
	time.Sleep(200 * time.Millisecond)
	a.Handle(ctx, utter("hey brian", time.Now()))
	time.Sleep(150 * time.Millisecond)

	// The first timer would have fired by now; the replacement must survive.
	if a.State() != command.StateAwaiting {
		t.Fatal("replacement pending command was cleared by the old timer")
	}
}

func TestAssembler_ParserErrorTreatedAsUnrecognized(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	failing := command.ParserFunc(func(context.Context, string) (*command.Intent, error) {
		return nil, context.DeadlineExceeded
	})
	a := command.NewAssembler(wake.MustNew("hey", "brian"), failing, sink)
	defer a.Close()

	a.Handle(context.Background(), utter("hey brian ban x", time.Now()))
	if a.State() != command.StateAwaiting {
		t.Errorf("state = %s, want awaiting", a.State())
	}
}

func TestAssembler_CloseClearsPending(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()

	a.Handle(ctx, utter("hey brian", time.Now()))
	a.Close()
	if a.State() != command.StateIdle {
		t.Fatal("Close did not clear the pending command")
	}
	a.Handle(ctx, utter("hey brian ban x", time.Now()))
	if cmds, _ := sink.snapshot(); len(cmds) != 0 {
		t.Errorf("closed assembler dispatched %v", cmds)
	}
}

func TestAssembler_ConcurrentHandle(t *testing.T) {
	t.Parallel()
	a, sink, _ := newAssembler(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.Handle(ctx, utter("hey brian", time.Now()))
		}()
		go func() {
			defer wg.Done()
			a.Handle(ctx, utter("clear chat", time.Now()))
		}()
	}
	wg.Wait()

	// Every combination consumed exactly one pending command.
	cmds, unrec := sink.snapshot()
	if len(unrec) != 0 {
		t.Errorf("unrecognized = %v", unrec)
	}
	for _, c := range cmds {
		if !c.Combined || c.Intent.Action != command.ActionClear {
			t.Errorf("unexpected command %+v", c)
		}
	}
	if len(cmds) > 50 {
		t.Errorf("dispatched %d commands from 50 pending", len(cmds))
	}
}
