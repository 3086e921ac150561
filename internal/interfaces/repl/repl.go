package repl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/eventbus"
	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/session"
	domaintool "github.com/corerun/agentcore/internal/domain/tool"
	"github.com/corerun/agentcore/internal/domain/toolpipeline"
	"github.com/corerun/agentcore/internal/domain/turnloop"
)

// eventQueueCapacity bounds the fan-out queue drained alongside each
// turn's callbacks; the REPL only consumes it for debug logging, so a
// small buffer is enough to absorb bursts without blocking the loop.
const eventQueueCapacity = 64

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// REPL is a minimal, scriptable line-oriented agent session — the
// plain-text entry point kept alongside interfaces/cli's richer
// spinner-driven one. It drives the same turnloop.Engine directly
// instead of going through the teacher's deleted ProcessMessageUseCase.
type REPL struct {
	engine       *turnloop.Engine
	logger       *zap.Logger
	session      *session.Session
	currentModel string
	userName     string
	mode         permission.Mode
}

// Config REPL configuration
type Config struct {
	DefaultModel string
	UserName     string
}

// New creates a new REPL instance bound to a shared turn loop engine.
func New(engine *turnloop.Engine, logger *zap.Logger, cfg Config) *REPL {
	model := cfg.DefaultModel
	if model == "" {
		model = "default"
	}
	userName := cfg.UserName
	if userName == "" {
		userName = "user"
	}

	return &REPL{
		engine:       engine,
		logger:       logger,
		session:      session.New(),
		currentModel: model,
		userName:     userName,
		mode:         permission.ModeBuild,
	}
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.printBanner()

	scanner := bufio.NewScanner(os.Stdin)
	// Allow long input lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Printf("%s%s> %s", colorGreen, r.userName, colorReset)

		if !scanner.Scan() {
			// EOF or error
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		// Handle built-in commands
		if handled, shouldExit := r.handleCommand(input); handled {
			if shouldExit {
				return nil
			}
			continue
		}

		// Process message through the turn loop
		if err := r.processMessage(ctx, input); err != nil {
			fmt.Printf("%sError: %v%s\n", colorYellow, err, colorReset)
			r.logger.Error("REPL message processing failed", zap.Error(err))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	fmt.Println("\nGoodbye!")
	return nil
}

// handleCommand processes built-in REPL commands
// Returns (handled, shouldExit)
func (r *REPL) handleCommand(input string) (bool, bool) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, false
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "/exit", "/quit", "/q":
		fmt.Println("Goodbye!")
		return true, true

	case "/new":
		r.session = session.New()
		fmt.Printf("%s✓ New conversation started%s\n", colorCyan, colorReset)
		return true, false

	case "/model":
		if len(parts) > 1 {
			r.currentModel = parts[1]
			fmt.Printf("%s✓ Model label set to: %s (the engine's model is unchanged)%s\n", colorCyan, r.currentModel, colorReset)
		} else {
			fmt.Printf("%sCurrent model: %s%s\n", colorCyan, r.currentModel, colorReset)
		}
		return true, false

	case "/plan":
		if r.mode == permission.ModePlan {
			r.mode = permission.ModeBuild
			fmt.Printf("%s✓ Switched to build mode%s\n", colorCyan, colorReset)
		} else {
			r.mode = permission.ModePlan
			fmt.Printf("%s✓ Switched to plan mode (read-only until approved)%s\n", colorCyan, colorReset)
		}
		return true, false

	case "/status":
		fmt.Printf("%s── Status ──%s\n", colorCyan, colorReset)
		fmt.Printf("  Session: %s\n", r.session.ID())
		fmt.Printf("  Model:   %s\n", r.currentModel)
		fmt.Printf("  Mode:    %s\n", r.mode)
		fmt.Printf("  User:    %s\n", r.userName)
		return true, false

	case "/help":
		r.printHelp()
		return true, false

	default:
		return false, false
	}
}

// processMessage drives one turn of the turn loop with input.
func (r *REPL) processMessage(ctx context.Context, input string) error {
	startTime := time.Now()

	fmt.Printf("\n%s%s🤖 Assistant%s\n", colorBold, colorCyan, colorReset)

	queue := eventbus.NewQueue(eventQueueCapacity)
	go r.drainEvents(queue)

	callbacks := eventbus.Fanout(turnloop.Callbacks{
		OnAssistantToken: func(delta string) { fmt.Print(delta) },
		OnToolCall: func(tc toolpipeline.ToolCall, def domaintool.Definition) {
			fmt.Printf("\n%s[tool] %s%s\n", colorGray, tc.Name, colorReset)
		},
		OnToolBlocked: func(tc toolpipeline.ToolCall, def domaintool.Definition, reason string) {
			fmt.Printf("%s[blocked] %s: %s%s\n", colorYellow, tc.Name, reason, colorReset)
		},
	}, queue)

	result, err := r.engine.Run(ctx, turnloop.Input{
		Session:   r.session,
		UserInput: input,
		TurnID:    uuid.NewString(),
		Mode:      r.mode,
		Callbacks: callbacks,
	})
	queue.Close()
	elapsed := time.Since(startTime)
	if err != nil {
		return err
	}

	if result == nil || result.Text == "" {
		fmt.Printf("%s(empty response)%s\n", colorGray, colorReset)
		return nil
	}

	fmt.Printf("\n%s(%s)%s\n\n", colorGray, elapsed.Round(time.Millisecond), colorReset)
	return nil
}

// drainEvents consumes the fanned-out event queue as a structured
// debug-log sink — one of the host shapes eventbus.Queue is built for
// (the others being a websocket bridge or TUI, neither of which this
// plain-text REPL has). Runs until the queue is closed or failed.
func (r *REPL) drainEvents(q *eventbus.Queue) {
	ctx := context.Background()
	for {
		ev, ok, err := q.Next(ctx)
		if err != nil || !ok {
			return
		}
		r.logger.Debug("turn event", zap.String("type", string(ev.Type)))
	}
}

// printBanner displays the REPL welcome message
func (r *REPL) printBanner() {
	fmt.Printf("\n%s%s╔══════════════════════════════════╗%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s║           agentcore REPL           ║%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s╚══════════════════════════════════╝%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%sModel: %s | Type /help for commands%s\n\n", colorGray, r.currentModel, colorReset)
}

// printHelp displays available commands
func (r *REPL) printHelp() {
	fmt.Printf("\n%s── Commands ──%s\n", colorCyan, colorReset)
	fmt.Println("  /new          Start a new conversation")
	fmt.Println("  /model [name] Show or set the displayed model label")
	fmt.Println("  /plan         Toggle plan (read-only) / build mode")
	fmt.Println("  /status       Show current session status")
	fmt.Println("  /help         Show this help")
	fmt.Println("  /exit         Exit REPL")
	fmt.Println()
}
