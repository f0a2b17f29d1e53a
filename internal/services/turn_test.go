package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/llm"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	"github.com/minare/tokenchat-backend/internal/rag"
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("development")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

// fakeLedger implements TokenLedgerService in memory with the same atomic
// debit contract as the SQL implementation.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[uuid.UUID]int64
	rows      []*types.TokenTransaction
	creditErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[uuid.UUID]int64)}
}

func (f *fakeLedger) GetBalance(_ dbctx.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeLedger) GrantSignup(_ dbctx.Context, userID uuid.UUID, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = amount
	f.append(userID, amount, types.TxTypeSignupBonus, "")
	return amount, nil
}

func (f *fakeLedger) Debit(_ dbctx.Context, userID uuid.UUID, amount int64, referenceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID] < amount {
		return 0, apperrors.ErrInsufficientTokens
	}
	f.balances[userID] -= amount
	f.append(userID, -amount, types.TxTypeChatMessage, referenceID)
	return f.balances[userID], nil
}

func (f *fakeLedger) Credit(_ dbctx.Context, userID uuid.UUID, amount int64, txType, referenceID, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		err := f.creditErr
		f.creditErr = nil
		return 0, err
	}
	f.balances[userID] += amount
	f.append(userID, amount, txType, referenceID)
	return f.balances[userID], nil
}

func (f *fakeLedger) ListTransactions(_ dbctx.Context, userID uuid.UUID, _, _ int) ([]*types.TokenTransaction, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.TokenTransaction
	for _, r := range f.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeLedger) append(userID uuid.UUID, amount int64, txType, ref string) {
	f.rows = append(f.rows, &types.TokenTransaction{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       amount,
		Type:         txType,
		ReferenceID:  refPtr(ref),
		BalanceAfter: f.balances[userID],
	})
}

func (f *fakeLedger) countByType(txType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.Type == txType {
			n++
		}
	}
	return n
}

// fakeConversations implements ConversationService in memory.
type fakeConversations struct {
	mu       sync.Mutex
	convs    map[uuid.UUID]*types.Conversation
	messages map[uuid.UUID][]*types.Message
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		convs:    make(map[uuid.UUID]*types.Conversation),
		messages: make(map[uuid.UUID][]*types.Message),
	}
}

func (f *fakeConversations) Create(_ dbctx.Context, userID uuid.UUID, title string) (*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := &types.Conversation{ID: uuid.New(), UserID: &userID, Title: title}
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeConversations) Get(_ dbctx.Context, userID, id uuid.UUID) (*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if conv.UserID == nil || *conv.UserID != userID {
		return nil, apperrors.ErrAccessDenied
	}
	return conv, nil
}

func (f *fakeConversations) List(_ dbctx.Context, userID uuid.UUID, _ int) ([]*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Conversation
	for _, c := range f.convs {
		if c.UserID != nil && *c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversations) Rename(_ dbctx.Context, _, id uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.convs[id]; ok {
		conv.Title = title
		return nil
	}
	return apperrors.ErrNotFound
}

func (f *fakeConversations) Delete(_ dbctx.Context, _, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeConversations) AppendMessage(_ dbctx.Context, conversationID uuid.UUID, role, content string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &types.Message{ID: uuid.New(), ConversationID: conversationID, Role: role, Content: content}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return msg, nil
}

func (f *fakeConversations) History(_ dbctx.Context, _, conversationID uuid.UUID, _ int) ([]*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Message(nil), f.messages[conversationID]...), nil
}

// recordingNotifier captures the per-turn event sequence.
type recordingNotifier struct {
	mu      sync.Mutex
	events  []string
	chunks  []string
	onChunk func()
	balance int64
	saved   *bool
	sources []SourceRef
}

func (n *recordingNotifier) ConversationCreated(id uuid.UUID, title string) {
	n.add("conversation_created")
}

func (n *recordingNotifier) TokenConsumed(remaining int64) {
	n.mu.Lock()
	n.balance = remaining
	n.mu.Unlock()
	n.add("token_consumed")
}

func (n *recordingNotifier) Sources(sources []SourceRef) {
	n.mu.Lock()
	n.sources = sources
	n.mu.Unlock()
	n.add("sources")
}

func (n *recordingNotifier) StreamChunk(content string) {
	n.mu.Lock()
	n.chunks = append(n.chunks, content)
	hook := n.onChunk
	n.mu.Unlock()
	n.add("stream_chunk")
	if hook != nil {
		hook()
	}
}

func (n *recordingNotifier) StreamDone(saved bool) {
	n.mu.Lock()
	n.saved = &saved
	n.mu.Unlock()
	n.add("stream_done")
}

func (n *recordingNotifier) StreamError(string) { n.add("stream_error") }

func (n *recordingNotifier) TokenRefunded(string) { n.add("token_refunded") }

func (n *recordingNotifier) add(ev string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) sequence() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// scriptedClient replays chunks, or fails outright.
type scriptedClient struct {
	chunks   []string
	startErr error
	finalErr error
	gotMsgs  []llm.ChatMessage
}

func (c *scriptedClient) StartCompletion(ctx context.Context, messages []llm.ChatMessage) (*llm.Stream, error) {
	c.gotMsgs = messages
	if c.startErr != nil {
		return nil, c.startErr
	}
	return llm.NewScriptedStream(ctx, c.chunks, c.finalErr), nil
}

func newTurnFixture(t *testing.T, client llm.Client, retriever rag.Retriever) (*fakeLedger, *fakeConversations, TurnService) {
	t.Helper()
	ledger := newFakeLedger()
	convs := newFakeConversations()
	if retriever == nil {
		retriever = rag.Disabled()
	}
	turn := NewTurnService(testLogger(t), ledger, convs, retriever, client, NewActiveStreams())
	return ledger, convs, turn
}

func eventsEqual(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTurnFullSuccessOnFreshConversation(t *testing.T) {
	ledger, convs, turn := newTurnFixture(t, &scriptedClient{chunks: []string{"4", "!"}}, nil)
	userID := uuid.New()
	ledger.GrantSignup(dbctx.Background(), userID, 1)

	n := &recordingNotifier{}
	err := turn.Run(context.Background(), TurnInput{
		ConnID:  "conn-1",
		UserID:  userID,
		Content: "Hello, what is 2+2?",
	}, n)
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	want := []string{"conversation_created", "token_consumed", "stream_chunk", "stream_chunk", "stream_done"}
	if got := n.sequence(); !eventsEqual(got, want) {
		t.Fatalf("event order mismatch:\n got %v\nwant %v", got, want)
	}
	if n.balance != 0 {
		t.Fatalf("expected remaining balance 0, got %d", n.balance)
	}
	if n.saved == nil || !*n.saved {
		t.Fatalf("expected stream_done saved=true")
	}

	if bal, _ := ledger.GetBalance(dbctx.Background(), userID); bal != 0 {
		t.Fatalf("expected final balance 0, got %d", bal)
	}
	if got := ledger.countByType(types.TxTypeChatMessage); got != 1 {
		t.Fatalf("expected exactly one debit transaction, got %d", got)
	}
	if got := ledger.countByType(types.TxTypeRefund); got != 0 {
		t.Fatalf("expected zero refund transactions, got %d", got)
	}

	if len(convs.convs) != 1 {
		t.Fatalf("expected one conversation, got %d", len(convs.convs))
	}
	for id := range convs.convs {
		msgs := convs.messages[id]
		if len(msgs) != 2 {
			t.Fatalf("expected user + assistant messages, got %d", len(msgs))
		}
		if msgs[0].Role != types.RoleUser || msgs[1].Role != types.RoleAssistant {
			t.Fatalf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
		}
		if msgs[1].Content != "4!" {
			t.Fatalf("expected assistant content 4!, got %q", msgs[1].Content)
		}
	}
}

func TestTurnRefundOnStreamFailure(t *testing.T) {
	ledger, convs, turn := newTurnFixture(t, &scriptedClient{
		chunks:   []string{"partial"},
		finalErr: &llm.StreamError{Err: errors.New("connection reset")},
	}, nil)
	userID := uuid.New()
	ledger.GrantSignup(dbctx.Background(), userID, 5)

	n := &recordingNotifier{}
	if err := turn.Run(context.Background(), TurnInput{ConnID: "c", UserID: userID, Content: "hi there"}, n); err != nil {
		t.Fatalf("post-debit failures must not surface from Run: %v", err)
	}

	seq := n.sequence()
	last2 := seq[len(seq)-2:]
	if last2[0] != "stream_error" || last2[1] != "token_refunded" {
		t.Fatalf("expected stream_error then token_refunded, got %v", seq)
	}

	if got := ledger.countByType(types.TxTypeChatMessage); got != 1 {
		t.Fatalf("expected one debit, got %d", got)
	}
	if got := ledger.countByType(types.TxTypeRefund); got != 1 {
		t.Fatalf("expected one refund, got %d", got)
	}
	if bal, _ := ledger.GetBalance(dbctx.Background(), userID); bal != 5 {
		t.Fatalf("expected balance restored to 5, got %d", bal)
	}
	for id := range convs.convs {
		for _, m := range convs.messages[id] {
			if m.Role == types.RoleAssistant {
				t.Fatalf("assistant message must not be persisted on failure")
			}
		}
	}
}

func TestTurnInsufficientFundsShortCircuit(t *testing.T) {
	ledger, convs, turn := newTurnFixture(t, &scriptedClient{chunks: []string{"never"}}, nil)
	userID := uuid.New()

	n := &recordingNotifier{}
	err := turn.Run(context.Background(), TurnInput{ConnID: "c", UserID: userID, Content: "hi"}, n)
	if !errors.Is(err, apperrors.ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if len(n.sequence()) != 0 {
		t.Fatalf("no events expected on short-circuit, got %v", n.sequence())
	}
	if len(convs.convs) != 0 {
		t.Fatalf("no conversation must be created")
	}
	if got := ledger.countByType(types.TxTypeRefund); got != 0 {
		t.Fatalf("no refund expected, got %d", got)
	}
}

func TestTurnValidation(t *testing.T) {
	_, _, turn := newTurnFixture(t, &scriptedClient{}, nil)

	n := &recordingNotifier{}
	err := turn.Run(context.Background(), TurnInput{ConnID: "c", UserID: uuid.New(), Content: ""}, n)
	if !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty content, got %v", err)
	}
	if len(n.sequence()) != 0 {
		t.Fatalf("no events expected, got %v", n.sequence())
	}
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string) ([]rag.RetrievedChunk, error) {
	return nil, fmt.Errorf("vector store down")
}

func TestTurnRetrievalFailureIsBestEffort(t *testing.T) {
	ledger, _, turn := newTurnFixture(t, &scriptedClient{chunks: []string{"ok"}}, failingRetriever{})
	userID := uuid.New()
	ledger.GrantSignup(dbctx.Background(), userID, 1)

	n := &recordingNotifier{}
	if err := turn.Run(context.Background(), TurnInput{ConnID: "c", UserID: userID, Content: "question"}, n); err != nil {
		t.Fatalf("retrieval failure must not fail the turn: %v", err)
	}
	if n.saved == nil || !*n.saved {
		t.Fatalf("expected successful completion despite retrieval failure")
	}
	for _, ev := range n.sequence() {
		if ev == "sources" || ev == "stream_error" {
			t.Fatalf("unexpected event %s", ev)
		}
	}
	if got := ledger.countByType(types.TxTypeRefund); got != 0 {
		t.Fatalf("no refund expected, got %d", got)
	}
}

type staticRetriever struct{ chunks []rag.RetrievedChunk }

func (r staticRetriever) Retrieve(context.Context, string) ([]rag.RetrievedChunk, error) {
	return r.chunks, nil
}

func TestTurnSourcesBeforeChunks(t *testing.T) {
	client := &scriptedClient{chunks: []string{"cited answer [1]"}}
	ledger, _, turn := newTurnFixture(t, client, staticRetriever{chunks: []rag.RetrievedChunk{
		{Index: 1, Title: "Pricing", Source: "pricing.md", Content: "Plans start at $10."},
	}})
	userID := uuid.New()
	ledger.GrantSignup(dbctx.Background(), userID, 1)

	n := &recordingNotifier{}
	if err := turn.Run(context.Background(), TurnInput{ConnID: "c", UserID: userID, Content: "plans?"}, n); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	seq := n.sequence()
	sourcesAt, firstChunkAt := -1, -1
	for i, ev := range seq {
		if ev == "sources" && sourcesAt == -1 {
			sourcesAt = i
		}
		if ev == "stream_chunk" && firstChunkAt == -1 {
			firstChunkAt = i
		}
	}
	if sourcesAt == -1 || firstChunkAt == -1 || sourcesAt > firstChunkAt {
		t.Fatalf("sources must precede chunks, got %v", seq)
	}
	if len(n.sources) != 1 || n.sources[0].Index != 1 || n.sources[0].Title != "Pricing" {
		t.Fatalf("unexpected sources payload: %+v", n.sources)
	}
	// The retrieved excerpt must reach the model's system prompt.
	if len(client.gotMsgs) == 0 || client.gotMsgs[0].Role != "system" {
		t.Fatalf("expected system prompt first")
	}
	if !strings.Contains(client.gotMsgs[0].Content, "Plans start at $10.") {
		t.Fatalf("retrieved context missing from system prompt")
	}
}

func TestTurnAbortKeepsDebitSkipsAssistant(t *testing.T) {
	// Enough chunks that the stream cannot finish before the abort lands.
	many := make([]string, 5000)
	for i := range many {
		many[i] = "x"
	}
	ledger := newFakeLedger()
	convs := newFakeConversations()
	active := NewActiveStreams()
	turn := NewTurnService(testLogger(t), ledger, convs, rag.Disabled(), &scriptedClient{chunks: many}, active)

	userID := uuid.New()
	ledger.GrantSignup(dbctx.Background(), userID, 1)

	n := &recordingNotifier{}
	n.onChunk = func() { active.Abort("conn-abort") }

	done := make(chan error, 1)
	go func() {
		done <- turn.Run(context.Background(), TurnInput{ConnID: "conn-abort", UserID: userID, Content: "long answer please"}, n)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted turn must not error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("turn did not terminate after abort")
	}

	if n.saved == nil || *n.saved {
		t.Fatalf("expected stream_done saved=false after abort")
	}
	if got := ledger.countByType(types.TxTypeRefund); got != 0 {
		t.Fatalf("abort must not refund, got %d refunds", got)
	}
	if bal, _ := ledger.GetBalance(dbctx.Background(), userID); bal != 0 {
		t.Fatalf("debit must stand after abort, balance=%d", bal)
	}
	for id := range convs.convs {
		for _, m := range convs.messages[id] {
			if m.Role == types.RoleAssistant {
				t.Fatalf("no assistant message after abort")
			}
		}
	}
	if active.Len() != 0 {
		t.Fatalf("handle must be cleared, %d remain", active.Len())
	}
}
