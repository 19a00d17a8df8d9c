package dialogue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/teslashibe/go-salescall/pkg/inference"
)

func conversation(callerTurns ...string) []inference.Message {
	history := []inference.Message{inference.NewAssistantMessage("Hi, this is Maya.")}
	for i, c := range callerTurns {
		history = append(history, inference.NewUserMessage(c))
		if i < len(callerTurns)-1 {
			history = append(history, inference.NewAssistantMessage("ok"))
		}
	}
	return history
}

func TestTurnCountPolicy(t *testing.T) {
	tests := []struct {
		turns int
		want  Stage
	}{
		{0, StageQualification},
		{1, StageQualification},
		{2, StageQualification},
		{3, StagePitch},
		{4, StagePitch},
		{5, StageObjectionHandling},
		{6, StageObjectionHandling},
		{7, StageClosing},
		{40, StageClosing},
	}
	for _, tt := range tests {
		history := make([]inference.Message, tt.turns)
		if got := (TurnCountPolicy{}).Stage(history); got != tt.want {
			t.Errorf("%d turns: got %s, want %s", tt.turns, got, tt.want)
		}
		if again := (TurnCountPolicy{}).Stage(history); again != tt.want {
			t.Errorf("%d turns: not deterministic", tt.turns)
		}
	}
}

func TestTurnCountPolicyNeverIntroduces(t *testing.T) {
	for n := 0; n < 20; n++ {
		if (TurnCountPolicy{}).Stage(make([]inference.Message, n)) == StageIntroduction {
			t.Fatalf("introduction derived at %d turns", n)
		}
	}
}

func TestSignalPolicy(t *testing.T) {
	p := NewSignalPolicy()
	tests := []struct {
		name   string
		caller []string
		want   Stage
	}{
		{"first answer qualifies", []string{"Hello?"}, StageQualification},
		{"neutral turns follow turn count", []string{"hi", "hmm", "ok"}, StageObjectionHandling},
		{"stated need moves to pitch", []string{"hi", "I want to move into machine learning"}, StagePitch},
		{"objection after pitch", []string{"hi", "I need a new career", "That sounds too expensive"}, StageObjectionHandling},
		{"repeated objections hold", []string{"hi", "I need skills", "too expensive", "still too expensive"}, StageObjectionHandling},
		{"commitment closes early", []string{"hi", "Sign me up"}, StageClosing},
		{"eager caller", []string{"Yes, how do I pay?"}, StageClosing},
		{"objection reopens closing", []string{"hi", "sign up", "wait, what is the cost?"}, StageObjectionHandling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := conversation(tt.caller...)
			if got := p.Stage(history); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
			if got := p.Stage(history); got != tt.want {
				t.Error("policy not deterministic")
			}
		})
	}
}

func TestNewPolicy(t *testing.T) {
	if _, ok := mustPolicy(t, "").(TurnCountPolicy); !ok {
		t.Error("expected turn_count by default")
	}
	if _, ok := mustPolicy(t, "signal").(SignalPolicy); !ok {
		t.Error("expected signal policy")
	}
	if _, err := NewPolicy("coin_flip"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func mustPolicy(t *testing.T, name string) Policy {
	t.Helper()
	p, err := NewPolicy(name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestShouldEnd(t *testing.T) {
	tests := map[string]bool{
		"Schedule a demo":                      true,
		"Let me SCHEDULE that for you.":        true,
		"I'll follow up next week.":            true,
		"I'll think about it.":                 false,
		"Our bootcamp runs for twelve weeks.":  false,
		"We can follow-up later (hyphenated).": false,
	}
	for text, want := range tests {
		if got := ShouldEnd(text); got != want {
			t.Errorf("ShouldEnd(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestStripThinking(t *testing.T) {
	tests := map[string]string{
		"<think>plan the intro</think>\n\nHello Alex!": "Hello Alex!",
		"  Hello Alex!  ":                              "Hello Alex!",
		"a</think>b</think> c":                         "c",
	}
	for in, want := range tests {
		if got := StripThinking(in); got != want {
			t.Errorf("StripThinking(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPromptsFallback(t *testing.T) {
	p := DefaultPrompts()
	if p.For("negotiation") != p[StageIntroduction] {
		t.Error("unknown stage should use the introduction prompt")
	}
	for _, s := range Stages {
		if p.For(s) == "" {
			t.Errorf("missing prompt for %s", s)
		}
	}
}

func TestRenderIntro(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intro.txt")
	os.WriteFile(path, []byte("Greet {{.CustomerName}} warmly.\n"), 0o644)

	got, err := RenderIntro(path, IntroData{CustomerName: "Alex"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Greet Alex warmly." {
		t.Errorf("unexpected render %q", got)
	}

	if _, err := RenderIntro(filepath.Join(dir, "missing.txt"), IntroData{}); err == nil {
		t.Error("expected error for missing template")
	}

	bad := filepath.Join(dir, "bad.txt")
	os.WriteFile(bad, []byte("Hi {{.Nickname}}"), 0o644)
	if _, err := RenderIntro(bad, IntroData{}); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestThinkFilter(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   string
	}{
		{"no reasoning", []string{"Hello", " there"}, "Hello there"},
		{"split tags", []string{"<thi", "nk>weighing", " options</th", "ink>\n", "Hi Alex"}, "Hi Alex"},
		{"leading whitespace", []string{"\n", "<think>x</think>", " ok"}, "ok"},
		{"angle bracket text", []string{"<b", "old"}, "<bold"},
		{"unterminated", []string{"<think>never done"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f thinkFilter
			var out strings.Builder
			for _, d := range tt.deltas {
				out.WriteString(f.push(d))
			}
			out.WriteString(f.flush())
			if out.String() != tt.want {
				t.Errorf("got %q, want %q", out.String(), tt.want)
			}
		})
	}
}

type fakeRetriever struct {
	snippets []string
	err      error
	queries  []string
}

func (f *fakeRetriever) Search(ctx context.Context, query string, k int) ([]string, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.snippets) {
		return f.snippets[:k], nil
	}
	return f.snippets, nil
}

func collect(t *testing.T, g *Generator, message string, history []inference.Message, stage Stage) []string {
	t.Helper()
	var fragments []string
	err := g.Generate(context.Background(), message, history, stage, func(s string) error {
		fragments = append(fragments, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return fragments
}

func TestGeneratorStreamsFragments(t *testing.T) {
	mock := inference.NewStreamingMock("Our ", "bootcamp ", "is great.")
	g := NewGenerator(mock, WithModel("qwen3:14b"))

	history := []inference.Message{
		inference.NewAssistantMessage("Hi Alex"),
		inference.NewUserMessage("Hi"),
		inference.NewAssistantMessage("What are your goals?"),
	}
	fragments := collect(t, g, "I want to learn AI", history, StagePitch)

	if strings.Join(fragments, "") != "Our bootcamp is great." || len(fragments) != 3 {
		t.Errorf("unexpected fragments %q", fragments)
	}

	req := mock.LastRequest()
	if req.Model != "qwen3:14b" {
		t.Errorf("unexpected model %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Error("expected explicit zero temperature")
	}
	if len(req.Messages) != 5 {
		t.Fatalf("expected system + 3 history + message, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != inference.RoleSystem || req.Messages[0].Content != DefaultPrompts()[StagePitch] {
		t.Errorf("unexpected system message %+v", req.Messages[0])
	}
	if req.Messages[1].Role != inference.RoleAssistant || req.Messages[2].Role != inference.RoleUser {
		t.Error("history roles not preserved")
	}
	last := req.Messages[4]
	if last.Role != inference.RoleUser || last.Content != "I want to learn AI" {
		t.Errorf("unexpected final message %+v", last)
	}
}

func TestGeneratorUnknownStageUsesIntroduction(t *testing.T) {
	mock := inference.NewStreamingMock("Hello")
	g := NewGenerator(mock)
	collect(t, g, "hi", nil, Stage("bogus"))

	if got := mock.LastRequest().Messages[0].Content; got != DefaultPrompts()[StageIntroduction] {
		t.Errorf("expected introduction prompt, got %q", got)
	}
}

func TestGeneratorRetrieval(t *testing.T) {
	retriever := &fakeRetriever{snippets: []string{"AI Mastery Bootcamp: 12 weeks", "Price: $499", "extra"}}

	t.Run("injected at pitch", func(t *testing.T) {
		mock := inference.NewStreamingMock("ok")
		g := NewGenerator(mock, WithRetriever(retriever, StagePitch, 2))
		collect(t, g, "what does it cost", nil, StagePitch)

		system := mock.LastRequest().Messages[0].Content
		if !strings.HasPrefix(system, "Relevant product information:\nAI Mastery Bootcamp: 12 weeks\n\nPrice: $499") {
			t.Errorf("unexpected system prompt %q", system)
		}
		if strings.Contains(system, "extra") {
			t.Error("expected top-k limit")
		}
		if !strings.HasSuffix(system, DefaultPrompts()[StagePitch]) {
			t.Error("stage prompt should follow retrieved context")
		}
		if retriever.queries[len(retriever.queries)-1] != "what does it cost" {
			t.Error("expected the caller message as query")
		}
	})

	t.Run("skipped at other stages", func(t *testing.T) {
		mock := inference.NewStreamingMock("ok")
		before := len(retriever.queries)
		g := NewGenerator(mock, WithRetriever(retriever, StagePitch, 2))
		collect(t, g, "hi", nil, StageQualification)

		if len(retriever.queries) != before {
			t.Error("retriever should not be consulted")
		}
	})

	t.Run("retrieval failure is ignored", func(t *testing.T) {
		mock := inference.NewStreamingMock("ok")
		g := NewGenerator(mock, WithRetriever(&fakeRetriever{err: errors.New("index down")}, StagePitch, 2))
		fragments := collect(t, g, "hi", nil, StagePitch)

		if strings.Join(fragments, "") != "ok" {
			t.Errorf("unexpected fragments %q", fragments)
		}
		if mock.LastRequest().Messages[0].Content != DefaultPrompts()[StagePitch] {
			t.Error("expected plain stage prompt")
		}
	})
}

func TestGeneratorApologizes(t *testing.T) {
	t.Run("stream fails to open", func(t *testing.T) {
		var hooked error
		g := NewGenerator(inference.WithError(errors.New("connection refused")),
			WithFailureHook(func(err error) { hooked = err }))

		fragments := collect(t, g, "hi", nil, StageQualification)
		if len(fragments) != 1 || fragments[0] != Apology {
			t.Errorf("expected apology, got %q", fragments)
		}
		if hooked == nil {
			t.Error("expected failure hook to fire")
		}
	})

	t.Run("stream fails midway", func(t *testing.T) {
		mock := inference.NewMock()
		stream := inference.NewMockStream("Our course ")
		stream.Err = errors.New("connection reset")
		mock.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
			return stream, nil
		}

		fragments := collect(t, NewGenerator(mock), "hi", nil, StagePitch)
		if len(fragments) != 2 || fragments[0] != "Our course " || fragments[1] != Apology {
			t.Errorf("unexpected fragments %q", fragments)
		}
		if !stream.Closed() {
			t.Error("expected stream to be closed")
		}
	})
}

func TestGeneratorStopsOnEmitError(t *testing.T) {
	mock := inference.NewMock()
	stream := inference.NewMockStream("a", "b", "c")
	mock.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return stream, nil
	}
	gone := errors.New("client gone")

	var got []string
	err := NewGenerator(mock).Generate(context.Background(), "hi", nil, StagePitch, func(s string) error {
		got = append(got, s)
		return gone
	})
	if !errors.Is(err, gone) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected generation to stop after first fragment, got %q", got)
	}
	if !stream.Closed() {
		t.Error("expected stream to be closed")
	}
}

func TestGeneratorCancelledIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := inference.NewMock()
	mock.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return nil, ctx.Err()
	}

	var hooked error
	g := NewGenerator(mock, WithFailureHook(func(err error) { hooked = err }))

	var got []string
	err := g.Generate(ctx, "hi", nil, StagePitch, func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil || len(got) != 0 {
		t.Errorf("expected silent return, got %q err=%v", got, err)
	}
	if hooked != nil {
		t.Errorf("hang-up reported as a model failure: %v", hooked)
	}
}

func TestGeneratorWithoutStreaming(t *testing.T) {
	t.Run("answers in one fragment", func(t *testing.T) {
		mock := inference.NewStreamingMock("<think>", "pricing question", "</think>", "\n\nIt is ", "$499.")
		mock.DisableStreaming = true

		fragments := collect(t, NewGenerator(mock), "what does it cost", nil, StagePitch)
		if len(fragments) != 1 || fragments[0] != "It is $499." {
			t.Errorf("unexpected fragments %q", fragments)
		}
		if mock.CallCount("Chat") != 1 || mock.CallCount("Stream") != 0 {
			t.Errorf("expected one Chat call, got %+v", mock.Calls())
		}
		if req := mock.LastRequest(); req == nil || req.Messages[0].Content != DefaultPrompts()[StagePitch] {
			t.Error("expected staged request")
		}
	})

	t.Run("failure apologizes", func(t *testing.T) {
		mock := inference.WithError(errors.New("bad gateway"))
		mock.DisableStreaming = true
		var hooked error
		g := NewGenerator(mock, WithFailureHook(func(err error) { hooked = err }))

		fragments := collect(t, g, "hi", nil, StagePitch)
		if len(fragments) != 1 || fragments[0] != Apology {
			t.Errorf("expected apology, got %q", fragments)
		}
		if hooked == nil {
			t.Error("expected failure hook to fire")
		}
	})
}

func TestGeneratorStripsReasoning(t *testing.T) {
	mock := inference.NewStreamingMock("<think>", "the caller is Alex", "</think>", "\n\nHello ", "Alex")
	fragments := collect(t, NewGenerator(mock), "hi", nil, StageIntroduction)

	if strings.Join(fragments, "") != "Hello Alex" {
		t.Errorf("unexpected reply %q", strings.Join(fragments, ""))
	}
}
