package agent

import (
	"sync"
	"time"
)

// Latency describes one caller turn. Durations are measured from the
// moment the submission arrived.
type Latency struct {
	Transcribe time.Duration // audio turns only
	FirstToken time.Duration
	FirstAudio time.Duration // audio turns only
	Total      time.Duration

	Fragments  int
	AudioBytes int
}

// String formats the latencies for logs.
func (l Latency) String() string {
	return formatDuration(l.Transcribe) + " ASR | " +
		formatDuration(l.FirstToken) + " LLM | " +
		formatDuration(l.FirstAudio) + " TTS | " +
		formatDuration(l.Total) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}

// turnTimer collects the latency of a single turn. Owned by one
// submission, so it needs no locking.
type turnTimer struct {
	now     func() time.Time
	start   time.Time
	latency Latency
}

func newTurnTimer(now func() time.Time) *turnTimer {
	return &turnTimer{now: now, start: now()}
}

func (t *turnTimer) markTranscript() {
	t.latency.Transcribe = t.now().Sub(t.start)
}

func (t *turnTimer) markFragment() {
	if t.latency.Fragments == 0 {
		t.latency.FirstToken = t.now().Sub(t.start)
	}
	t.latency.Fragments++
}

func (t *turnTimer) markAudio(n int) {
	if t.latency.FirstAudio == 0 && n > 0 {
		t.latency.FirstAudio = t.now().Sub(t.start)
	}
	t.latency.AudioBytes += n
}

func (t *turnTimer) done() Latency {
	t.latency.Total = t.now().Sub(t.start)
	return t.latency
}

const latencyWindow = 100

// LatencyStats keeps the latencies of recent turns across all calls.
// It is safe for concurrent use.
type LatencyStats struct {
	mu      sync.Mutex
	history []Latency
	turns   int64
}

// Record adds a finished turn.
func (s *LatencyStats) Record(l Latency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, l)
	if len(s.history) > latencyWindow {
		s.history = s.history[1:]
	}
	s.turns++
}

// Turns returns the number of turns recorded since start.
func (s *LatencyStats) Turns() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Average returns the mean latency over recent turns. Stages a turn never
// reached (no transcription for text turns) are excluded from their mean.
func (s *LatencyStats) Average() Latency {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg Latency
	var asr, llm, audio int
	for _, h := range s.history {
		if h.Transcribe > 0 {
			avg.Transcribe += h.Transcribe
			asr++
		}
		if h.FirstToken > 0 {
			avg.FirstToken += h.FirstToken
			llm++
		}
		if h.FirstAudio > 0 {
			avg.FirstAudio += h.FirstAudio
			audio++
		}
		avg.Total += h.Total
	}
	if asr > 0 {
		avg.Transcribe /= time.Duration(asr)
	}
	if llm > 0 {
		avg.FirstToken /= time.Duration(llm)
	}
	if audio > 0 {
		avg.FirstAudio /= time.Duration(audio)
	}
	if n := len(s.history); n > 0 {
		avg.Total /= time.Duration(n)
	}
	return avg
}
