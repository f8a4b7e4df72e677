package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gptbot/internal/capability"
	"gptbot/internal/classify"
	"gptbot/internal/conversation"
	"gptbot/internal/models"
)

type sent struct {
	chatID int64
	kind   models.ReplyKind
	text   string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sent
	actions  int
	err      error
}

func (f *fakeSender) add(chatID int64, kind models.ReplyKind, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sent{chatID: chatID, kind: kind, text: text})
	return f.err
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	return f.add(chatID, models.ReplyText, text)
}

func (f *fakeSender) SendPhoto(_ context.Context, chatID int64, url, _ string) error {
	return f.add(chatID, models.ReplyPhoto, url)
}

func (f *fakeSender) SendVoice(_ context.Context, chatID int64, _ []byte, _ string) error {
	return f.add(chatID, models.ReplyVoice, "")
}

func (f *fakeSender) SendDocument(_ context.Context, chatID int64, name string, _ []byte, _ string) error {
	return f.add(chatID, models.ReplyDocument, name)
}

func (f *fakeSender) NotifyActivity(context.Context, int64, models.RequestClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sent, len(f.messages))
	copy(out, f.messages)
	return out
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []models.Interaction
}

func (f *fakeRecorder) RecordInteraction(_ context.Context, i models.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, i)
	return nil
}

func (f *fakeRecorder) all() []models.Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Interaction(nil), f.rows...)
}

// echoCompleter answers with the last user message after an optional delay
type echoCompleter struct {
	delay time.Duration
	calls atomic.Int32
}

func (e *echoCompleter) Complete(_ context.Context, turns []models.Turn, _ int) (string, error) {
	e.calls.Add(1)
	time.Sleep(e.delay)
	return "echo: " + turns[len(turns)-1].Content, nil
}

type handlerFunc func(ctx context.Context, class models.RequestClass, chatID int64, p models.Payload) (models.Reply, error)

func (f handlerFunc) Handle(ctx context.Context, class models.RequestClass, chatID int64, p models.Payload) (models.Reply, error) {
	return f(ctx, class, chatID, p)
}

func newDispatcher(t *testing.T, h Handler, sender *fakeSender, rec Recorder, logger *zap.Logger) *Dispatcher {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := New(Options{MaxWorkers: 4, DedupeWindow: 16}, Deps{
		Classifier: classify.New(classify.Options{LowercaseImagePrompt: true}),
		Handler:    h,
		Sender:     sender,
		Recorder:   rec,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func waitForMessages(t *testing.T, s *fakeSender, n int) []sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return s.snapshot()
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, Deps{})
	assert.Error(t, err)
}

func TestDispatcher_SameChatConcurrentUpdatesStayConsistent(t *testing.T) {
	convs := conversation.NewStore("persona", 0)
	completer := &echoCompleter{delay: 20 * time.Millisecond}
	handlers := capability.New(capability.Config{CallTimeout: time.Second}, capability.Deps{
		Conversations: convs,
		Completer:     completer,
	})
	sender := &fakeSender{}
	d := newDispatcher(t, handlers, sender, nil, nil)

	before := convs.Len(42)

	var wg sync.WaitGroup
	for i, text := range []string{"first", "second"} {
		wg.Add(1)
		go func(id int, text string) {
			defer wg.Done()
			d.Submit(models.InboundUpdate{UpdateID: id, ChatID: 42, Text: text})
		}(i+1, text)
	}
	wg.Wait()

	waitForMessages(t, sender, 2)

	turns := convs.Snapshot(42)
	require.Len(t, turns, before+4)
	// Each user turn is immediately followed by its own answer
	for i := 1; i < len(turns); i += 2 {
		assert.Equal(t, models.RoleUser, turns[i].Role)
		assert.Equal(t, models.RoleAssistant, turns[i+1].Role)
		assert.Equal(t, "echo: "+turns[i].Content, turns[i+1].Content)
	}
}

func TestDispatcher_PerChatFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	h := handlerFunc(func(_ context.Context, _ models.RequestClass, _ int64, p models.Payload) (models.Reply, error) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, p.Text)
		mu.Unlock()
		return models.TextReply(p.Text), nil
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	expected := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	for i, text := range expected {
		require.True(t, d.Submit(models.InboundUpdate{UpdateID: i + 1, ChatID: 7, Text: text}))
	}

	msgs := waitForMessages(t, sender, len(expected))
	for i, m := range msgs {
		assert.Equal(t, expected[i], m.text)
	}
	mu.Lock()
	assert.Equal(t, expected, order)
	mu.Unlock()
}

func TestDispatcher_SlowChatDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := handlerFunc(func(_ context.Context, _ models.RequestClass, chatID int64, p models.Payload) (models.Reply, error) {
		if chatID == 1 {
			<-release
		}
		return models.TextReply(p.Text), nil
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 1, Text: "slow"})
	d.Submit(models.InboundUpdate{UpdateID: 2, ChatID: 2, Text: "fast"})

	msgs := waitForMessages(t, sender, 1)
	assert.Equal(t, int64(2), msgs[0].chatID)

	close(release)
	waitForMessages(t, sender, 2)
}

func TestDispatcher_DropsDuplicateUpdates(t *testing.T) {
	var calls atomic.Int32
	h := handlerFunc(func(_ context.Context, _ models.RequestClass, _ int64, _ models.Payload) (models.Reply, error) {
		calls.Add(1)
		return models.TextReply("ok"), nil
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	u := models.InboundUpdate{UpdateID: 99, ChatID: 1, Text: "hello"}
	assert.True(t, d.Submit(u))
	assert.False(t, d.Submit(u))

	waitForMessages(t, sender, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_ClassificationErrorSendsHint(t *testing.T) {
	var calls atomic.Int32
	h := handlerFunc(func(context.Context, models.RequestClass, int64, models.Payload) (models.Reply, error) {
		calls.Add(1)
		return models.TextReply("unexpected"), nil
	})
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	d := newDispatcher(t, h, sender, rec, nil)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 5, Text: "/create foo hello"})

	msgs := waitForMessages(t, sender, 1)
	assert.Contains(t, msgs[0].text, "Supported formats")
	assert.Equal(t, int32(0), calls.Load())

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	row := rec.all()[0]
	assert.Equal(t, models.StatusClassificationError, row.Status)
	assert.Equal(t, string(models.ClassCreateFile), row.Class)
}

func TestDispatcher_PanicBecomesGenericReply(t *testing.T) {
	h := handlerFunc(func(_ context.Context, _ models.RequestClass, _ int64, p models.Payload) (models.Reply, error) {
		if p.Text == "boom" {
			panic("handler exploded")
		}
		return models.TextReply("fine"), nil
	})
	core, logs := observer.New(zapcore.ErrorLevel)
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	d := newDispatcher(t, h, sender, rec, zap.New(core))

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 3, Text: "boom"})
	d.Submit(models.InboundUpdate{UpdateID: 2, ChatID: 3, Text: "next"})

	msgs := waitForMessages(t, sender, 2)
	assert.Equal(t, GenericReply, msgs[0].text)
	assert.Equal(t, "fine", msgs[1].text, "later updates are still handled")
	assert.GreaterOrEqual(t, logs.FilterMessage("Panic in handler").Len(), 1)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusFailed, rec.all()[0].Status)
}

func TestDispatcher_HandlerErrorIsLoggedAndReplySent(t *testing.T) {
	h := handlerFunc(func(context.Context, models.RequestClass, int64, models.Payload) (models.Reply, error) {
		return models.TextReply("sorry"), errors.New("provider down")
	})
	core, logs := observer.New(zapcore.ErrorLevel)
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, zap.New(core))

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 3, Text: "hi"})

	msgs := waitForMessages(t, sender, 1)
	assert.Equal(t, "sorry", msgs[0].text)
	require.Eventually(t, func() bool { return logs.FilterMessage("Handler failed").Len() == 1 }, time.Second, 5*time.Millisecond)

	entry := logs.FilterMessage("Handler failed").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "chat", fields["class"])
	assert.Equal(t, int64(3), fields["chat_id"])
}

func TestDispatcher_EmptyReplyBecomesGeneric(t *testing.T) {
	h := handlerFunc(func(context.Context, models.RequestClass, int64, models.Payload) (models.Reply, error) {
		return models.Reply{}, nil
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 3, Text: "hi"})
	msgs := waitForMessages(t, sender, 1)
	assert.Equal(t, GenericReply, msgs[0].text)
}

func TestDispatcher_RoutesReplyKinds(t *testing.T) {
	h := handlerFunc(func(_ context.Context, class models.RequestClass, _ int64, _ models.Payload) (models.Reply, error) {
		switch class {
		case models.ClassGenerateImage:
			return models.PhotoReply("https://img", ""), nil
		case models.ClassSynthesizeSpeech:
			return models.VoiceReply([]byte("ogg"), ""), nil
		default:
			return models.DocumentReply("doc.txt", []byte("x"), ""), nil
		}
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 1, Text: "/image a cat"})
	d.Submit(models.InboundUpdate{UpdateID: 2, ChatID: 1, Text: "/speak hi"})
	d.Submit(models.InboundUpdate{UpdateID: 3, ChatID: 1, Text: "/download"})

	msgs := waitForMessages(t, sender, 3)
	assert.Equal(t, models.ReplyPhoto, msgs[0].kind)
	assert.Equal(t, models.ReplyVoice, msgs[1].kind)
	assert.Equal(t, models.ReplyDocument, msgs[2].kind)

	sender.mu.Lock()
	assert.Equal(t, 3, sender.actions)
	sender.mu.Unlock()
}

func TestDispatcher_SendFailureIsRecorded(t *testing.T) {
	h := handlerFunc(func(context.Context, models.RequestClass, int64, models.Payload) (models.Reply, error) {
		return models.TextReply("ok"), nil
	})
	sender := &fakeSender{err: errors.New("network down")}
	rec := &fakeRecorder{}
	d := newDispatcher(t, h, sender, rec, nil)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 1, Text: "hi"})

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusSendFailed, rec.all()[0].Status)
}

func TestDispatcher_ShutdownWaitsForInFlightAndRejectsNew(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var handled atomic.Int32
	h := handlerFunc(func(_ context.Context, _ models.RequestClass, _ int64, p models.Payload) (models.Reply, error) {
		if p.Text == "first" {
			close(started)
			<-release
		}
		handled.Add(1)
		return models.TextReply(p.Text), nil
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 1, Text: "first"})
	<-started
	d.Submit(models.InboundUpdate{UpdateID: 2, ChatID: 1, Text: "queued"})

	done := make(chan error, 1)
	go func() {
		done <- d.Shutdown(context.Background())
	}()

	require.Eventually(t, d.isClosed, time.Second, time.Millisecond)
	assert.False(t, d.Submit(models.InboundUpdate{UpdateID: 3, ChatID: 2, Text: "late"}))

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), handled.Load(), "queued update is dropped")
	msgs := sender.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].text)
}

func TestDispatcher_ShutdownDeadline(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h := handlerFunc(func(context.Context, models.RequestClass, int64, models.Payload) (models.Reply, error) {
		close(started)
		<-release
		return models.TextReply("late"), nil
	})
	sender := &fakeSender{}
	d, err := New(Options{}, Deps{
		Classifier: classify.New(classify.Options{}),
		Handler:    h,
		Sender:     sender,
	})
	require.NoError(t, err)

	d.Submit(models.InboundUpdate{UpdateID: 1, ChatID: 1, Text: "hi"})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_ZeroUpdateIDsAreNotDeduplicated(t *testing.T) {
	var calls atomic.Int32
	h := handlerFunc(func(context.Context, models.RequestClass, int64, models.Payload) (models.Reply, error) {
		calls.Add(1)
		return models.TextReply("ok"), nil
	})
	sender := &fakeSender{}
	d := newDispatcher(t, h, sender, nil, nil)

	assert.True(t, d.Submit(models.InboundUpdate{ChatID: 1, Text: "a"}))
	assert.True(t, d.Submit(models.InboundUpdate{ChatID: 1, Text: "b"}))
	waitForMessages(t, sender, 2)
	assert.Equal(t, int32(2), calls.Load())
}
