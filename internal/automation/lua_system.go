//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig configures the `system` Lua module.
type SystemConfig struct {
	ExecAllowlist []string // absolute command paths scripts may run
	ExecTimeout   time.Duration
}

// TelegramConfig configures the `telegram` Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string // defaults to https://api.telegram.org
}

const maxExecOutput = 64 << 10

func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return systemLog(L, e) }))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int { return systemExec(L, e) }))
	L.SetGlobal("system", mod)
}

func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int { return telegramSend(L, e) }))
	L.SetGlobal("telegram", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	var v lua.LValue
	switch component {
	case "hour":
		v = lua.LNumber(now.Hour())
	case "minute":
		v = lua.LNumber(now.Minute())
	case "second":
		v = lua.LNumber(now.Second())
	case "weekday":
		v = lua.LNumber(now.Weekday())
	case "day":
		v = lua.LNumber(now.Day())
	case "month":
		v = lua.LNumber(now.Month())
	case "year":
		v = lua.LNumber(now.Year())
	case "timestamp":
		v = lua.LNumber(now.Unix())
	case "time_str":
		v = lua.LString(now.Format("15:04:05"))
	case "date_str":
		v = lua.LString(now.Format("2006-01-02"))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(v)
	return 1
}

// system.time_between(from_hour, to_hour); ranges may wrap midnight.
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level, msg := L.CheckString(1), L.CheckString(2)
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted absolute path and returns stdout, or
// "" when blocked or failed.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	bin := parts[0]

	if !filepath.IsAbs(bin) || !slices.Contains(e.systemCfg.ExecAllowlist, bin) {
		e.logger.Warn("exec blocked", "cmd", bin)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, parts[1:]...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", bin, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", bin, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput]
	}
	L.Push(lua.LString(out))
	return 1
}

// telegram.send(msg) posts to every configured chat in the background.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	cfg := e.telegramCfg
	if cfg.BotToken == "" || len(cfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot_token or chat_ids not configured")
		return 0
	}

	base := cfg.APIURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), cfg.BotToken)

	for _, chatID := range cfg.ChatIDs {
		body, _ := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
		go func(chatID string, body []byte) {
			if err := e.postJSON(url, body); err != nil {
				e.logger.Error("telegram send", "chat_id", chatID, "err", err)
			}
		}(chatID, body)
	}
	return 0
}

func (e *Engine) postJSON(url string, body []byte) error {
	client := e.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
