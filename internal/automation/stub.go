//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"netwatch/internal/engine"
)

var ErrScriptNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string
}

// Manager is a no-op when built with no_automation.
type Manager struct{}

func NewManager(string) (*Manager, error) { return nil, nil }
func (m *Manager) List() ([]*Script, error) { return nil, nil }
func (m *Manager) Get(string) (*Script, error) { return nil, ErrScriptNotFound }
func (m *Manager) Save(*Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(string) error { return errDisabled }

// Engine is a no-op when built with no_automation.
type Engine struct{}

func NewEngine(*engine.Engine, *Manager, *slog.Logger, SystemConfig, TelegramConfig) *Engine {
	return &Engine{}
}

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string) {}
func (e *Engine) Running(string) bool { return false }

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
