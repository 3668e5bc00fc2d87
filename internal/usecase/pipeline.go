package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/pkg/textx"
)

// ChannelGateway is the outbound side of the connected channel adapters.
// Implementations degrade gracefully: adapters without media or typing
// support return nil from SendPayload/SetTyping.
type ChannelGateway interface {
	SendMessage(ctx context.Context, jid, text string) error
	SendPayload(ctx context.Context, jid string, p domain.MediaPayload) error
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// MessageQueue is the slice of the group queue the pipeline drives.
type MessageQueue interface {
	EnqueueMessageCheck(jid, folder string) error
	SendMessage(jid, text string) bool
	RegisterProcess(jid string, handle domain.ProcessHandle, containerName, folder string)
	CloseStdin(jid string) error
}

// typingInterval is how often the typing signal is refreshed on channels
// that support it.
const typingInterval = 4 * time.Second

// mediaDirectivePrefix marks an agent output line carrying a structured
// media payload instead of plain text.
const mediaDirectivePrefix = "MEDIA:"

// progressNotices are the escalating "still working" messages, paired by
// index with the configured delays.
var progressNotices = []string{
	"⏳ Working on it...",
	"⏳ Still working, this one needs some digging...",
	"⏳ Almost there, thanks for the patience...",
}

// PipelineOptions configures the message pipeline.
type PipelineOptions struct {
	AssistantName     string
	MainGroupFolder   string
	IdleTimeout       time.Duration
	TypingMaxTTL      time.Duration
	ProgressIntervals []time.Duration
	SessionMaxAge     time.Duration
	Location          *time.Location
	Logger            *slog.Logger
}

// Pipeline turns inbound messages into exactly one user-visible response
// (or one dead-letter), driving the receipt state machine along the way.
// It owns the in-memory cursors and the registered-group cache; the
// durable store stays authoritative.
type Pipeline struct {
	msgs     domain.MessageRepository
	receipts domain.ReceiptRepository
	dlq      domain.DeadLetterRepository
	groups   domain.GroupRepository
	sessions domain.SessionRepository
	oracle   domain.OracleClient
	runner   domain.ContainerRunner
	governor *Governor
	queue    MessageQueue
	gateway  ChannelGateway
	opts     PipelineOptions
	now      func() time.Time

	mu             sync.Mutex
	lastTimestamp  time.Time
	lastAgent      map[string]time.Time
	byJID          map[string]domain.RegisteredGroup
	byFolder       map[string]domain.RegisteredGroup
	pipedTraces    map[string][]string
	lastOutboundAt time.Time
}

// NewPipeline wires the pipeline to its stores and collaborators.
func NewPipeline(
	msgs domain.MessageRepository,
	receipts domain.ReceiptRepository,
	dlq domain.DeadLetterRepository,
	groups domain.GroupRepository,
	sessions domain.SessionRepository,
	oracle domain.OracleClient,
	runner domain.ContainerRunner,
	governor *Governor,
	queue MessageQueue,
	gateway ChannelGateway,
	opts PipelineOptions,
) *Pipeline {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.TypingMaxTTL <= 0 {
		opts.TypingMaxTTL = 3 * time.Minute
	}
	if len(opts.ProgressIntervals) == 0 {
		opts.ProgressIntervals = []time.Duration{20 * time.Second, time.Minute, 150 * time.Second}
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 3 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		msgs:        msgs,
		receipts:    receipts,
		dlq:         dlq,
		groups:      groups,
		sessions:    sessions,
		oracle:      oracle,
		runner:      runner,
		governor:    governor,
		queue:       queue,
		gateway:     gateway,
		opts:        opts,
		now:         time.Now,
		lastAgent:   make(map[string]time.Time),
		byJID:       make(map[string]domain.RegisteredGroup),
		byFolder:    make(map[string]domain.RegisteredGroup),
		pipedTraces: make(map[string][]string),
	}
}

// Group cache

// LoadGroups refreshes the in-memory registration cache from the store.
func (p *Pipeline) LoadGroups(ctx context.Context) error {
	list, err := p.groups.List(ctx)
	if err != nil {
		return fmt.Errorf("op=pipeline.LoadGroups: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byJID = make(map[string]domain.RegisteredGroup, len(list))
	p.byFolder = make(map[string]domain.RegisteredGroup, len(list))
	for _, g := range list {
		p.byJID[g.JID] = g
		p.byFolder[g.Folder] = g
	}
	return nil
}

// RegisterGroup persists a new registration and updates the cache.
func (p *Pipeline) RegisterGroup(ctx context.Context, g domain.RegisteredGroup) error {
	if g.AddedAt.IsZero() {
		g.AddedAt = p.now()
	}
	if err := p.groups.Upsert(ctx, g); err != nil {
		return fmt.Errorf("op=pipeline.RegisterGroup: %w", err)
	}
	p.mu.Lock()
	p.byJID[g.JID] = g
	p.byFolder[g.Folder] = g
	p.mu.Unlock()
	return nil
}

// GroupByJID returns the cached registration for a chat jid.
func (p *Pipeline) GroupByJID(jid string) (domain.RegisteredGroup, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.byJID[jid]
	return g, ok
}

// GroupByFolder returns the cached registration for a group folder.
func (p *Pipeline) GroupByFolder(folder string) (domain.RegisteredGroup, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.byFolder[folder]
	return g, ok
}

// ResolveFolder maps a chat jid to its group folder, for the IPC
// watcher's identity check.
func (p *Pipeline) ResolveFolder(_ context.Context, jid string) (string, error) {
	if g, ok := p.GroupByJID(jid); ok {
		return g.Folder, nil
	}
	return "", domain.ErrNotFound
}

// LastOutbound reports when the pipeline last delivered anything to a
// user; the heartbeat reporter uses it for silence detection.
func (p *Pipeline) LastOutbound() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOutboundAt
}

func (p *Pipeline) noteOutbound() {
	p.mu.Lock()
	p.lastOutboundAt = p.now()
	p.mu.Unlock()
}

// Inbound fast path

// OnMessage is the channel adapter callback: persist, mint a receipt,
// and hand the group to the queue. It must stay fast.
func (p *Pipeline) OnMessage(ctx context.Context, channel string, msg domain.Message) {
	observability.MessagesReceivedTotal.WithLabelValues(channel).Inc()

	if err := p.msgs.Save(ctx, msg); err != nil {
		p.opts.Logger.Error("persisting inbound message", slog.Any("error", err))
	}
	p.mu.Lock()
	if msg.Timestamp.After(p.lastTimestamp) {
		p.lastTimestamp = msg.Timestamp
	}
	p.mu.Unlock()

	if p.isOwnOutput(msg) {
		return
	}

	g, ok := p.GroupByJID(msg.ChatJID)
	if !ok {
		p.opts.Logger.Debug("message from unregistered chat", slog.String("jid", msg.ChatJID))
		return
	}

	trace := domain.TraceID(msg.ChatJID, msg.ID)
	p.mint(ctx, domain.Receipt{
		TraceID:           trace,
		ChatJID:           msg.ChatJID,
		ExternalMessageID: msg.ID,
		Lane:              domain.LaneUser,
		Status:            domain.ReceiptReceived,
		ReceivedAt:        msg.Timestamp,
	})

	// Trigger-required groups only wake up for a matching message; the
	// rest stays in the store as window context.
	if g.RequiresTrigger && g.Folder != p.opts.MainGroupFolder && !p.triggerMatch(g, msg.Content) {
		return
	}

	// A run already streaming for this chat sees the follow-up on stdin;
	// the cursor advances first so the window is not re-processed.
	if p.queue.SendMessage(msg.ChatJID, formatMessage(msg)) {
		p.mu.Lock()
		if msg.Timestamp.After(p.lastAgent[msg.ChatJID]) {
			p.lastAgent[msg.ChatJID] = msg.Timestamp
		}
		p.pipedTraces[msg.ChatJID] = append(p.pipedTraces[msg.ChatJID], trace)
		p.mu.Unlock()
		p.markQueued(ctx, []string{trace})
		return
	}

	switch err := p.queue.EnqueueMessageCheck(msg.ChatJID, g.Folder); {
	case err == nil:
		p.markQueued(ctx, []string{trace})
	case errors.Is(err, domain.ErrQueueFull):
		p.deadLetter(ctx, trace, msg.ChatJID, msg.ID, domain.ErrCodeQueueFull, "waiting list full")
		p.notify(ctx, msg.ChatJID, fmt.Sprintf(
			"⚠️ I'm at capacity right now and couldn't take that message (ref %s). Please try again in a bit.",
			domain.ShortTraceID(trace)))
	default:
		p.opts.Logger.Warn("enqueue failed", slog.String("jid", msg.ChatJID), slog.Any("error", err))
	}
}

func (p *Pipeline) isOwnOutput(msg domain.Message) bool {
	return msg.IsFromMe || strings.HasPrefix(msg.Content, p.opts.AssistantName+":")
}

func (p *Pipeline) triggerMatch(g domain.RegisteredGroup, text string) bool {
	if g.TriggerPattern == "" {
		return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(p.opts.AssistantName))
	}
	re, err := regexp.Compile(g.TriggerPattern)
	if err != nil {
		p.opts.Logger.Warn("bad trigger pattern", slog.String("folder", g.Folder), slog.Any("error", err))
		return false
	}
	return re.MatchString(text)
}

// Group processing (the queue's ProcessFunc)

// ProcessGroup handles one message cycle for a chat. The boolean return
// feeds the queue's retry ladder: false schedules a retry.
func (p *Pipeline) ProcessGroup(ctx context.Context, jid string, retryCount int) bool {
	g, ok := p.GroupByJID(jid)
	if !ok {
		return true
	}
	ctx, span := otel.Tracer("usecase.pipeline").Start(ctx, "pipeline.ProcessGroup",
		trace.WithAttributes(
			attribute.String("chat_jid", jid),
			attribute.Int("retry_count", retryCount)))
	defer span.End()
	isMain := g.Folder == p.opts.MainGroupFolder

	p.mu.Lock()
	cursor := p.lastAgent[jid]
	p.mu.Unlock()

	all, err := p.msgs.ListSince(ctx, jid, cursor)
	if err != nil {
		p.opts.Logger.Error("listing window", slog.String("jid", jid), slog.Any("error", err))
		return false
	}
	window := make([]domain.Message, 0, len(all))
	for _, m := range all {
		if !p.isOwnOutput(m) {
			window = append(window, m)
		}
	}
	if len(window) == 0 {
		return true
	}
	newest := window[len(window)-1].Timestamp

	if g.RequiresTrigger && !isMain && !p.windowTriggered(g, window) {
		// No trigger anywhere in the window: drop it, receipts stay logged.
		p.advanceCursor(jid, newest)
		return true
	}

	last := window[len(window)-1]
	cls := Classify(last.Content)
	observability.ClassifierDecisionsTotal.WithLabelValues(string(cls.Tier)).Inc()

	traces := make([]string, len(window))
	for i, m := range window {
		traces[i] = domain.TraceID(jid, m.ID)
	}
	attemptNo := p.markRunning(ctx, traces)

	switch cls.Tier {
	case domain.TierInline:
		return p.handleInline(ctx, g, last, cls, traces, newest)
	case domain.TierOracleOnly:
		if p.handleOracle(ctx, g, last, traces, newest) {
			return true
		}
		// Oracle unavailable: fall through to the container tier with the
		// original classification.
		fallthrough
	default:
		return p.handleContainer(ctx, g, window, cls, traces, newest, attemptNo, retryCount)
	}
}

func (p *Pipeline) windowTriggered(g domain.RegisteredGroup, window []domain.Message) bool {
	for _, m := range window {
		if p.triggerMatch(g, m.Content) {
			return true
		}
	}
	return false
}

// Inline tier

var greetingReplies = []string{
	"Hello! How can I help?",
	"สวัสดีครับ มีอะไรให้ช่วยไหมครับ",
}

// handleInline answers from templates without spending tokens.
func (p *Pipeline) handleInline(ctx context.Context, g domain.RegisteredGroup, last domain.Message, cls domain.Classification, traces []string, newest time.Time) bool {
	var reply string
	switch cls.Reason {
	case "greeting":
		reply = greetingReplies[0]
		trimmed := strings.TrimSpace(last.Content)
		if strings.HasPrefix(trimmed, "สวัสดี") || strings.HasPrefix(trimmed, "หวัดดี") {
			reply = greetingReplies[1]
		}
	case "thanks":
		reply = "You're welcome! 🙌"
	case "ack":
		reply = "👍"
	case "admin-cmd":
		reply = p.handleAdminCommand(ctx, g, strings.TrimSpace(last.Content))
	default:
		reply = "👍"
	}

	if err := p.gateway.SendMessage(ctx, g.JID, reply); err != nil {
		p.opts.Logger.Warn("inline send failed", slog.String("jid", g.JID), slog.Any("error", err))
		return false
	}
	p.noteOutbound()
	p.markReplied(ctx, traces)
	p.advanceCursor(g.JID, newest)
	return true
}

// handleAdminCommand serves the slash commands available in every chat.
func (p *Pipeline) handleAdminCommand(ctx context.Context, g domain.RegisteredGroup, text string) string {
	cmd := text
	if i := strings.IndexAny(cmd, " \t"); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start", "/help":
		return fmt.Sprintf("Hi, I'm %s. Talk to me normally, or use /status, /budget, /clear.", p.opts.AssistantName)
	case "/status":
		return fmt.Sprintf("All systems go. Group %q, registered since %s.",
			g.Name, g.AddedAt.In(p.opts.Location).Format("2 Jan 2006"))
	case "/clear", "/reset":
		if err := p.sessions.Clear(ctx, g.Folder); err != nil {
			p.opts.Logger.Warn("clearing session", slog.String("folder", g.Folder), slog.Any("error", err))
			return "Couldn't clear the session, please try again."
		}
		return "Session cleared. We start fresh from here."
	case "/budget":
		if p.governor == nil {
			return "No budget is configured."
		}
		dec, err := p.governor.Check(ctx, domain.StableUserID(g.JID), ModelHaiku)
		if err != nil {
			return "Budget check is unavailable right now."
		}
		return fmt.Sprintf("Budget: %.0f%% of the monthly allowance used (%s).", dec.UsagePct*100, dec.Action)
	case "/groups":
		p.mu.Lock()
		n := len(p.byJID)
		p.mu.Unlock()
		return fmt.Sprintf("%d groups registered.", n)
	case "/tasks":
		return "Ask me to schedule something and I'll set up a task for you."
	default:
		return "Unknown command. Try /help."
	}
}

// Oracle tier

func (p *Pipeline) handleOracle(ctx context.Context, g domain.RegisteredGroup, last domain.Message, traces []string, newest time.Time) bool {
	answer, err := p.oracle.Ask(ctx, g.Folder, last.Content)
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.opts.Logger.Warn("oracle ask failed", slog.String("folder", g.Folder), slog.Any("error", err))
		}
		return false
	}
	if err := p.gateway.SendMessage(ctx, g.JID, answer); err != nil {
		p.opts.Logger.Warn("oracle reply send failed", slog.String("jid", g.JID), slog.Any("error", err))
		return false
	}
	p.noteOutbound()
	p.markReplied(ctx, traces)
	p.advanceCursor(g.JID, newest)
	return true
}

// Container tier

func (p *Pipeline) handleContainer(ctx context.Context, g domain.RegisteredGroup, window []domain.Message, cls domain.Classification, traces []string, newest time.Time, attemptNo, retryCount int) bool {
	model := cls.Model
	if p.governor != nil {
		dec, err := p.governor.Check(ctx, domain.StableUserID(g.JID), cls.Model)
		if err != nil {
			p.opts.Logger.Warn("budget check failed, proceeding", slog.Any("error", err))
		} else {
			switch dec.Action {
			case domain.BudgetOffline:
				// The budget verdict is the response; the window is done even
				// when the notice itself fails to send.
				p.notify(ctx, g.JID, "⛔ The monthly budget is exhausted. I'll be back when it resets.")
				p.markReplied(ctx, traces)
				p.advanceCursor(g.JID, newest)
				return true
			case domain.BudgetAlert, domain.BudgetDowngrade, domain.BudgetHaikuOnly:
				model = dec.EffectiveModel
				if p.governor.ShouldAlert(ctx, domain.StableUserID(g.JID), dec.Action) {
					p.notify(ctx, g.JID, fmt.Sprintf("💸 Heads up: %.0f%% of the monthly budget is used.", dec.UsagePct*100))
				}
			default:
				model = dec.EffectiveModel
			}
		}
	}

	out, ok := p.runWindow(ctx, g, window, model, attemptNo)
	switch {
	case ok:
		p.markReplied(ctx, traces)
		p.drainPiped(ctx, g.JID)
		p.advanceCursor(g.JID, newest)
		return true
	case out.sent:
		// Something already reached the user: never roll back, a duplicate
		// response is worse than a truncated one.
		p.markReplied(ctx, traces)
		p.drainPiped(ctx, g.JID)
		p.advanceCursor(g.JID, newest)
		return true
	default:
		for _, tr := range traces {
			if err := p.receipts.MarkRetrying(ctx, tr, out.errCode, out.errDetail); err != nil {
				p.opts.Logger.Error("marking retrying", slog.String("trace", tr), slog.Any("error", err))
			}
		}
		observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptRetrying)).Add(float64(len(traces)))
		if retryCount == 0 {
			p.notify(ctx, g.JID, "⚠️ I hit a snag answering that, retrying shortly...")
		}
		return false
	}
}

// runOutcome summarizes one container attempt for the caller's receipt
// bookkeeping.
type runOutcome struct {
	sent      bool
	errCode   string
	errDetail string
}

// runWindow executes one container run for a message window, streaming
// output back to the chat.
func (p *Pipeline) runWindow(ctx context.Context, g domain.RegisteredGroup, window []domain.Message, model string, attemptNo int) (runOutcome, bool) {
	jid := g.JID
	isMain := g.Folder == p.opts.MainGroupFolder
	lastTrace := domain.TraceID(jid, window[len(window)-1].ID)

	sessionID := p.sessionFor(ctx, g.Folder)
	contextBlock := ""
	if block, err := p.oracle.ContextBlock(ctx, g.Folder); err == nil {
		contextBlock = block
	}
	prompt := buildPrompt(contextBlock, p.now().In(p.opts.Location), window)

	stopTyping := p.startTyping(ctx, jid)
	defer stopTyping()

	var (
		mu         sync.Mutex
		sent       bool
		outputText strings.Builder
		container  string
		idleTimer  *time.Timer
	)
	progress := p.armProgress(ctx, jid)
	defer progress.stop()

	onOutput := func(out domain.RunOutput) {
		text, payloads := splitMediaDirectives(out.Result)
		text = textx.SanitizeText(text)
		if text == "" && len(payloads) == 0 {
			return
		}
		progress.stop()
		mu.Lock()
		outputText.WriteString(out.Result)
		if idleTimer != nil {
			idleTimer.Reset(p.opts.IdleTimeout)
		}
		mu.Unlock()
		for _, pl := range payloads {
			if err := p.sendPayload(ctx, jid, pl); err != nil {
				p.opts.Logger.Warn("media send failed", slog.String("jid", jid), slog.Any("error", err))
				continue
			}
			mu.Lock()
			sent = true
			mu.Unlock()
		}
		if text != "" {
			if err := p.gateway.SendMessage(ctx, jid, text); err != nil {
				p.opts.Logger.Warn("streamed send failed", slog.String("jid", jid), slog.Any("error", err))
			} else {
				mu.Lock()
				sent = true
				mu.Unlock()
				p.noteOutbound()
			}
		}
	}

	register := func(h domain.ProcessHandle, name string) {
		mu.Lock()
		container = name
		idleTimer = time.AfterFunc(p.opts.IdleTimeout, func() {
			_ = p.queue.CloseStdin(jid)
		})
		mu.Unlock()
		p.queue.RegisterProcess(jid, h, name, g.Folder)
	}

	started := p.now()
	res, runErr := p.runner.Run(ctx, domain.RunInput{
		Prompt:      prompt,
		Model:       model,
		SessionID:   sessionID,
		GroupFolder: g.Folder,
		ChatJID:     jid,
		IsMain:      isMain,
		Lane:        domain.LaneUser,
	}, register, onOutput)
	ended := p.now()

	mu.Lock()
	if idleTimer != nil {
		idleTimer.Stop()
	}
	outcome := runOutcome{sent: sent}
	collected := outputText.String()
	containerName := container
	mu.Unlock()

	p.recordAttempt(ctx, lastTrace, attemptNo, containerName, started, ended, ctx.Err())

	if res.NewSessionID != "" {
		if err := p.sessions.Set(ctx, domain.Session{GroupFolder: g.Folder, ID: res.NewSessionID, UpdatedAt: ended}); err != nil {
			p.opts.Logger.Warn("storing session", slog.String("folder", g.Folder), slog.Any("error", err))
		}
	}

	if p.governor != nil {
		if err := p.governor.TrackUsage(ctx, domain.UsageRecord{
			UserID:         domain.StableUserID(jid),
			Model:          model,
			InputTokens:    EstimateTokens(prompt),
			OutputTokens:   EstimateTokens(collected),
			ResponseTimeMS: ended.Sub(started).Milliseconds(),
			GroupID:        domain.StableUserID(jid),
			TraceID:        lastTrace,
		}); err != nil {
			p.opts.Logger.Warn("tracking usage", slog.Any("error", err))
		}
	}

	switch {
	case runErr != nil:
		outcome.errCode = domain.ErrCodeAgentError
		outcome.errDetail = runErr.Error()
		return outcome, false
	case res.Status != "success":
		outcome.errCode = domain.ErrCodeAgentError
		outcome.errDetail = res.Error
		return outcome, false
	case !outcome.sent:
		outcome.errCode = domain.ErrCodeNoOutput
		outcome.errDetail = "run finished without user-visible output"
		return outcome, false
	}
	return outcome, true
}

// sessionFor returns the resume token for a folder, rotating sessions
// older than the configured maximum age.
func (p *Pipeline) sessionFor(ctx context.Context, folder string) string {
	sess, err := p.sessions.Get(ctx, folder)
	if err != nil || sess.ID == "" {
		return ""
	}
	if p.now().Sub(sess.UpdatedAt) > p.opts.SessionMaxAge {
		if err := p.sessions.Clear(ctx, folder); err != nil {
			p.opts.Logger.Warn("rotating session", slog.String("folder", folder), slog.Any("error", err))
		}
		return ""
	}
	return sess.ID
}

// startTyping refreshes the typing signal until stopped or until the TTL
// expires, at which point a single notice is sent instead.
func (p *Pipeline) startTyping(ctx context.Context, jid string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		ttl := time.NewTimer(p.opts.TypingMaxTTL)
		defer ttl.Stop()
		_ = p.gateway.SetTyping(ctx, jid, true)
		for {
			select {
			case <-done:
				_ = p.gateway.SetTyping(ctx, jid, false)
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.gateway.SetTyping(ctx, jid, true)
			case <-ttl.C:
				_ = p.gateway.SetTyping(ctx, jid, false)
				p.notify(ctx, jid, "⏳ This is taking longer than usual, still working on it...")
				return
			}
		}
	}()
	return stop
}

type progressTimers struct {
	timers []*time.Timer
	once   sync.Once
}

func (t *progressTimers) stop() {
	t.once.Do(func() {
		for _, tm := range t.timers {
			tm.Stop()
		}
	})
}

// armProgress schedules the escalating "still working" notices; they are
// cancelled the moment real output ships.
func (p *Pipeline) armProgress(ctx context.Context, jid string) *progressTimers {
	t := &progressTimers{}
	for i, delay := range p.opts.ProgressIntervals {
		if i >= len(progressNotices) {
			break
		}
		notice := progressNotices[i]
		t.timers = append(t.timers, time.AfterFunc(delay, func() {
			p.notify(ctx, jid, notice)
		}))
	}
	return t
}

// sendPayload delivers a media directive, sniffing the MIME type when the
// agent did not provide one.
func (p *Pipeline) sendPayload(ctx context.Context, jid string, pl domain.MediaPayload) error {
	if pl.MIME == "" && pl.Path != "" {
		if mt, err := mimetype.DetectFile(pl.Path); err == nil {
			pl.MIME = mt.String()
		}
	}
	if err := p.gateway.SendPayload(ctx, jid, pl); err != nil {
		return err
	}
	p.noteOutbound()
	return nil
}

// Failure paths

// HandleMaxRetries is the queue's give-up hook: the whole pending window
// goes to the dead-letter store and the user gets one notice.
func (p *Pipeline) HandleMaxRetries(jid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	cursor := p.lastAgent[jid]
	p.mu.Unlock()

	window, err := p.msgs.ListSince(ctx, jid, cursor)
	if err != nil {
		p.opts.Logger.Error("listing window for dead-letter", slog.String("jid", jid), slog.Any("error", err))
		return
	}
	var lastTrace string
	newest := cursor
	for _, m := range window {
		if p.isOwnOutput(m) {
			continue
		}
		trace := domain.TraceID(jid, m.ID)
		p.deadLetter(ctx, trace, jid, m.ID, domain.ErrCodeMaxRetriesExceeded, "retry budget exhausted")
		lastTrace = trace
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	if lastTrace == "" {
		return
	}
	p.advanceCursor(jid, newest)
	p.notify(ctx, jid, fmt.Sprintf(
		"❌ I couldn't process your message after several attempts (ref %s). An operator has been notified.",
		domain.ShortTraceID(lastTrace)))
}

// deadLetter finalizes one trace: FAILED, a dead-letter row, DEAD_LETTERED.
func (p *Pipeline) deadLetter(ctx context.Context, trace, jid, externalID, code, detail string) {
	if err := p.receipts.MarkFailed(ctx, trace, code, detail); err != nil {
		p.opts.Logger.Error("marking failed", slog.String("trace", trace), slog.Any("error", err))
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptFailed)).Inc()
	if err := p.dlq.Create(ctx, domain.DeadLetter{
		TraceID:           trace,
		ChatJID:           jid,
		ExternalMessageID: externalID,
		Reason:            code,
		FinalError:        detail,
		Retryable:         true,
		Status:            domain.DeadLetterOpen,
		CreatedAt:         p.now(),
	}); err != nil {
		p.opts.Logger.Error("creating dead letter", slog.String("trace", trace), slog.Any("error", err))
		return
	}
	if err := p.receipts.MarkDeadLettered(ctx, trace); err != nil {
		p.opts.Logger.Error("marking dead-lettered", slog.String("trace", trace), slog.Any("error", err))
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptDeadLettered)).Inc()
	observability.DeadLettersTotal.WithLabelValues(code).Inc()
}

// RetryDeadLetter re-drives one dead-lettered trace; exactly one
// concurrent caller wins the row.
func (p *Pipeline) RetryDeadLetter(ctx context.Context, trace, by string) error {
	won, err := p.dlq.TakeForRetry(ctx, trace, by)
	if err != nil {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	if !won {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: already being retried: %w", domain.ErrConflict)
	}
	d, err := p.dlq.Get(ctx, trace)
	if err != nil {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	r, err := p.receipts.Get(ctx, trace)
	if err != nil {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	g, ok := p.GroupByJID(d.ChatJID)
	if !ok {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: chat no longer registered: %w", domain.ErrNotFound)
	}

	if err := p.receipts.MarkRetrying(ctx, trace, "", "operator retry"); err != nil {
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	// Roll the cursor back so the next cycle re-reads the message.
	p.mu.Lock()
	rollback := r.ReceivedAt.Add(-time.Nanosecond)
	if cur, ok := p.lastAgent[d.ChatJID]; !ok || rollback.Before(cur) {
		p.lastAgent[d.ChatJID] = rollback
	}
	p.mu.Unlock()

	if err := p.queue.EnqueueMessageCheck(d.ChatJID, g.Folder); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			_ = p.dlq.Reopen(ctx, trace, domain.ErrCodeQueueFull)
			_ = p.receipts.MarkFailed(ctx, trace, domain.ErrCodeQueueFull, "retry rejected: waiting list full")
		}
		return fmt.Errorf("op=pipeline.RetryDeadLetter: %w", err)
	}
	p.markQueued(ctx, []string{trace})
	return nil
}

// Task and job execution (scheduler / smart-job lanes)

// RunScheduledTask executes one claimed scheduled task inside a
// container; the scheduler owns claiming and next-run bookkeeping.
func (p *Pipeline) RunScheduledTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	sessionID := ""
	if t.ContextMode == domain.ContextGroup {
		sessionID = p.sessionFor(ctx, t.GroupFolder)
	}
	// Process handles register under the owning group's jid so the
	// queue's preemption path reaches this run.
	procJID := domain.VirtualSchedulerPrefix + t.ID
	if g, ok := p.GroupByFolder(t.GroupFolder); ok {
		procJID = g.JID
	}
	forwardTo := ""
	if t.ChatJID != "" && !strings.HasPrefix(t.ChatJID, domain.VirtualSchedulerPrefix) {
		forwardTo = t.ChatJID
	}

	var out strings.Builder
	res, err := p.runner.Run(ctx, domain.RunInput{
		Prompt:          t.Prompt,
		SessionID:       sessionID,
		GroupFolder:     t.GroupFolder,
		ChatJID:         t.ChatJID,
		IsMain:          t.GroupFolder == p.opts.MainGroupFolder,
		Lane:            domain.LaneScheduler,
		IsScheduledTask: true,
	}, func(h domain.ProcessHandle, name string) {
		p.queue.RegisterProcess(procJID, h, name, t.GroupFolder)
	}, func(o domain.RunOutput) {
		if o.Result == "" {
			return
		}
		out.WriteString(o.Result)
		if forwardTo != "" {
			if err := p.gateway.SendMessage(ctx, forwardTo, o.Result); err != nil {
				p.opts.Logger.Warn("task output send failed", slog.String("jid", forwardTo), slog.Any("error", err))
			} else {
				p.noteOutbound()
			}
		}
	})
	if err != nil {
		return "", fmt.Errorf("op=pipeline.RunScheduledTask: %w", err)
	}
	if t.ContextMode == domain.ContextGroup && res.NewSessionID != "" {
		_ = p.sessions.Set(ctx, domain.Session{GroupFolder: t.GroupFolder, ID: res.NewSessionID, UpdatedAt: p.now()})
	}
	if res.Status != "success" {
		return "", fmt.Errorf("op=pipeline.RunScheduledTask: %s", res.Error)
	}
	return out.String(), nil
}

// RunHeartbeatJob executes one claimed smart job in an isolated session;
// results surface through the job log and the reporter, not the chat.
func (p *Pipeline) RunHeartbeatJob(ctx context.Context, j domain.HeartbeatJob) (string, error) {
	procJID := domain.VirtualHeartbeatPrefix + j.ID
	folder := p.opts.MainGroupFolder
	if g, ok := p.GroupByJID(j.ChatJID); ok {
		procJID, folder = g.JID, g.Folder
	}

	var out strings.Builder
	res, err := p.runner.Run(ctx, domain.RunInput{
		Prompt:      j.Prompt,
		GroupFolder: folder,
		ChatJID:     j.ChatJID,
		IsMain:      folder == p.opts.MainGroupFolder,
		Lane:        domain.LaneHeartbeat,
	}, func(h domain.ProcessHandle, name string) {
		p.queue.RegisterProcess(procJID, h, name, folder)
	}, func(o domain.RunOutput) {
		out.WriteString(o.Result)
	})
	if err != nil {
		return "", fmt.Errorf("op=pipeline.RunHeartbeatJob: %w", err)
	}
	if res.Status != "success" {
		return "", fmt.Errorf("op=pipeline.RunHeartbeatJob: %s", res.Error)
	}
	return out.String(), nil
}

// Recovery

// RecoverInFlight re-drives receipts stranded by a restart.
func (p *Pipeline) RecoverInFlight(ctx context.Context) (int, error) {
	stuck, err := p.receipts.ListInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=pipeline.RecoverInFlight: %w", err)
	}
	recovered := 0
	seen := make(map[string]bool)
	for _, r := range stuck {
		if err := p.receipts.MarkRetrying(ctx, r.TraceID, domain.ErrCodeRecoveredRestart, "orchestrator restarted mid-flight"); err != nil {
			p.opts.Logger.Error("marking recovered receipt", slog.String("trace", r.TraceID), slog.Any("error", err))
			continue
		}
		recovered++
		if seen[r.ChatJID] {
			continue
		}
		seen[r.ChatJID] = true
		if g, ok := p.GroupByJID(r.ChatJID); ok {
			if err := p.queue.EnqueueMessageCheck(r.ChatJID, g.Folder); err != nil {
				p.opts.Logger.Warn("re-enqueueing recovered chat", slog.String("jid", r.ChatJID), slog.Any("error", err))
			}
		}
	}
	return recovered, nil
}

// Receipt bookkeeping

func (p *Pipeline) mint(ctx context.Context, r domain.Receipt) {
	if err := p.receipts.Mint(ctx, r); err != nil {
		p.opts.Logger.Error("minting receipt", slog.String("trace", r.TraceID), slog.Any("error", err))
		return
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptReceived)).Inc()
}

func (p *Pipeline) markQueued(ctx context.Context, traces []string) {
	if err := p.receipts.MarkQueued(ctx, traces); err != nil {
		p.opts.Logger.Error("marking queued", slog.Any("error", err))
		return
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptQueued)).Add(float64(len(traces)))
}

// markRunning advances every trace and returns the newest attempt number.
func (p *Pipeline) markRunning(ctx context.Context, traces []string) int {
	attemptNo := 1
	for _, tr := range traces {
		n, err := p.receipts.MarkRunning(ctx, tr)
		if err != nil {
			p.opts.Logger.Error("marking running", slog.String("trace", tr), slog.Any("error", err))
			continue
		}
		attemptNo = n
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptRunning)).Add(float64(len(traces)))
	return attemptNo
}

func (p *Pipeline) markReplied(ctx context.Context, traces []string) {
	for _, tr := range traces {
		if err := p.receipts.MarkReplied(ctx, tr); err != nil {
			p.opts.Logger.Error("marking replied", slog.String("trace", tr), slog.Any("error", err))
		}
	}
	observability.ReceiptTransitionsTotal.WithLabelValues(string(domain.ReceiptReplied)).Add(float64(len(traces)))
}

// drainPiped finalizes traces piped into the run after it started.
func (p *Pipeline) drainPiped(ctx context.Context, jid string) {
	p.mu.Lock()
	piped := p.pipedTraces[jid]
	delete(p.pipedTraces, jid)
	p.mu.Unlock()
	if len(piped) > 0 {
		p.markReplied(ctx, piped)
	}
}

func (p *Pipeline) recordAttempt(ctx context.Context, trace string, attemptNo int, container string, started, ended time.Time, ctxErr error) {
	if err := p.receipts.AppendAttempt(ctx, domain.Attempt{
		TraceID:       trace,
		AttemptNo:     attemptNo,
		ContainerName: container,
		RunStartedAt:  started,
		RunEndedAt:    &ended,
	}); err != nil {
		p.opts.Logger.Error("appending attempt", slog.String("trace", trace), slog.Any("error", err))
		return
	}
	timeoutHit := errors.Is(ctxErr, context.DeadlineExceeded)
	if err := p.receipts.CloseAttempt(ctx, trace, attemptNo, nil, timeoutHit); err != nil {
		p.opts.Logger.Error("closing attempt", slog.String("trace", trace), slog.Any("error", err))
	}
}

func (p *Pipeline) advanceCursor(jid string, to time.Time) {
	p.mu.Lock()
	if to.After(p.lastAgent[jid]) {
		p.lastAgent[jid] = to
	}
	p.mu.Unlock()
}

// notify sends a best-effort service notice to a chat.
func (p *Pipeline) notify(ctx context.Context, jid, text string) {
	if err := p.gateway.SendMessage(ctx, jid, text); err != nil {
		p.opts.Logger.Warn("notice send failed", slog.String("jid", jid), slog.Any("error", err))
		return
	}
	p.noteOutbound()
}

// Prompt assembly

// formatMessage renders one message the way the agent sees it.
func formatMessage(m domain.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.Sender
	}
	text := m.Content
	for _, a := range m.Attachments {
		text += fmt.Sprintf(" [attachment %s (%s)]", a.Filename, a.MIME)
	}
	return fmt.Sprintf("[%s]: %s", name, text)
}

// buildPrompt assembles the container prompt: optional knowledge context,
// a time header, then the window with sender tags.
func buildPrompt(contextBlock string, now time.Time, window []domain.Message) string {
	var b strings.Builder
	if contextBlock != "" {
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	b.WriteString("Current time: ")
	b.WriteString(now.Format("Mon, 2 Jan 2006 15:04 MST"))
	b.WriteString("\n\n")
	for _, m := range window {
		b.WriteString(formatMessage(m))
		b.WriteByte('\n')
	}
	return b.String()
}

// splitMediaDirectives separates MEDIA: directive lines from plain text in
// one output fragment. Malformed directives are kept as text.
func splitMediaDirectives(fragment string) (string, []domain.MediaPayload) {
	if !strings.Contains(fragment, mediaDirectivePrefix) {
		return strings.TrimSpace(fragment), nil
	}
	var (
		text     []string
		payloads []domain.MediaPayload
	)
	for _, line := range strings.Split(fragment, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, mediaDirectivePrefix) {
			text = append(text, line)
			continue
		}
		var pl domain.MediaPayload
		if err := json.Unmarshal([]byte(strings.TrimPrefix(trimmed, mediaDirectivePrefix)), &pl); err != nil || pl.Path == "" {
			text = append(text, line)
			continue
		}
		payloads = append(payloads, pl)
	}
	return strings.TrimSpace(strings.Join(text, "\n")), payloads
}
