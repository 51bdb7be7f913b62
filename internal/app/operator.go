package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"funding-autopilot/internal/audit"
	"funding-autopilot/internal/state"

	"go.uber.org/zap"
)

// startOperator runs the Telegram command loop. Commands are enqueued in the
// control table and honored at the start of the next cycle; only /status and
// /help answer immediately.
func (a *App) startOperator(ctx context.Context) {
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	go a.operatorLoop(ctx)
}

func (a *App) operatorLoop(ctx context.Context) {
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	var offset int64
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.log.Warn("telegram poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		for _, upd := range updates {
			if upd.ID >= offset {
				offset = upd.ID + 1
			}
			// Backlog from before this process started is discarded so stale
			// commands are never replayed.
			if first {
				continue
			}
			if len(allowedUsers) > 0 {
				if _, ok := allowedUsers[upd.UserID]; !ok {
					a.log.Warn("ignoring telegram command from unauthorized user", zap.Int64("user_id", upd.UserID))
					continue
				}
			}
			a.handleOperatorMessage(ctx, upd.Text)
		}
		first = false
	}
}

func (a *App) handleOperatorMessage(ctx context.Context, text string) {
	cmd, args, ok := parseOperatorCommand(text)
	if !ok {
		return
	}
	resp, err := a.dispatchOperatorCommand(ctx, cmd, args)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	a.sendAlert(ctx, resp)
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), fields[1:], true
}

func (a *App) dispatchOperatorCommand(ctx context.Context, cmd string, args []string) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		if err := a.enqueue(ctx, state.Command{Type: state.CommandSetRunning, Running: false}); err != nil {
			return "", err
		}
		return "pause queued for next cycle", nil
	case "resume":
		if err := a.enqueue(ctx, state.Command{Type: state.CommandSetRunning, Running: true}); err != nil {
			return "", err
		}
		return "resume queued for next cycle", nil
	case "mode":
		if len(args) != 1 || (args[0] != "live" && args[0] != "dry") {
			return "usage: /mode live|dry", nil
		}
		mode := "dry-run"
		if args[0] == "live" {
			mode = "live"
		}
		if err := a.enqueue(ctx, state.Command{Type: state.CommandSetMode, Mode: mode}); err != nil {
			return "", err
		}
		return fmt.Sprintf("mode %s queued for next cycle", mode), nil
	case "resetkill":
		if err := a.enqueue(ctx, state.Command{Type: state.CommandResetKill}); err != nil {
			return "", err
		}
		return "kill switch reset queued for next cycle", nil
	case "close":
		if len(args) < 1 {
			return "usage: /close <position-id> [reason]", nil
		}
		reason := "manual close via telegram"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		if err := a.enqueue(ctx, state.Command{Type: state.CommandClosePosition, PositionID: args[0], Reason: reason}); err != nil {
			return "", err
		}
		return fmt.Sprintf("close of %s queued for next cycle", args[0]), nil
	case "stopall":
		if err := a.enqueue(ctx, state.Command{Type: state.CommandStopAll, Reason: "stop_all via telegram"}); err != nil {
			return "", err
		}
		return "stop-all queued for next cycle", nil
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) enqueue(ctx context.Context, cmd state.Command) error {
	if err := a.store.EnqueueCommand(ctx, cmd); err != nil {
		return err
	}
	a.sink.Log(audit.Event{Level: audit.LevelAction, Action: "operator_command", EntityType: "command", EntityID: string(cmd.Type),
		Details: map[string]any{
			"mode":        cmd.Mode,
			"running":     cmd.Running,
			"position_id": cmd.PositionID,
			"reason":      cmd.Reason,
		}})
	a.log.Info("operator command queued", zap.String("type", string(cmd.Type)))
	return nil
}

func (a *App) operatorStatus(ctx context.Context) string {
	snap := a.risk.Snapshot()
	open, err := a.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	var b strings.Builder
	mode := "dry-run"
	if !snap.DryRun {
		mode = "live"
	}
	running := "running"
	if !snap.Running {
		running = "paused"
	}
	fmt.Fprintf(&b, "%s | %s | risk %s\n", running, mode, snap.Level)
	if snap.KillSwitchActive {
		fmt.Fprintf(&b, "KILL SWITCH: %s\n", snap.KillSwitchReason)
	}
	fmt.Fprintf(&b, "open %d | drawdown €%.2f | realized €%.2f | funding €%.2f\n",
		len(open), snap.DailyDrawdownEUR, snap.TotalRealizedPnlEUR, snap.TotalFundingEUR)
	for _, pos := range open {
		fmt.Fprintf(&b, "%s %s L:%s S:%s €%.0f upnl €%.2f drift %.2f%%\n",
			shortID(pos.ID), pos.Symbol, pos.LongExchange, pos.ShortExchange,
			pos.SizeEUR, pos.UnrealizedPnlEUR, pos.DriftPct)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func operatorHelpText() string {
	return strings.Join([]string{
		"/status - engine and position summary",
		"/pause - stop opening and managing positions",
		"/resume - resume the engine",
		"/mode live|dry - switch execution mode",
		"/resetkill - clear the kill switch",
		"/close <position-id> - close one position",
		"/stopall - close everything and pause",
		"/help - this text",
	}, "\n")
}
