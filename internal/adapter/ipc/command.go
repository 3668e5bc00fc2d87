package ipc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// CommandKind discriminates the tagged command union.
type CommandKind string

// Command kinds containers may send.
const (
	CmdMessage            CommandKind = "message"
	CmdScheduleTask       CommandKind = "schedule_task"
	CmdPauseTask          CommandKind = "pause_task"
	CmdResumeTask         CommandKind = "resume_task"
	CmdCancelTask         CommandKind = "cancel_task"
	CmdRunTaskNow         CommandKind = "run_task_now"
	CmdUpdateTask         CommandKind = "update_task"
	CmdHeartbeatConfig    CommandKind = "heartbeat_config"
	CmdRefreshGroups      CommandKind = "refresh_groups"
	CmdRegisterGroup      CommandKind = "register_group"
	CmdHeartbeatAddJob    CommandKind = "heartbeat_add_job"
	CmdHeartbeatUpdateJob CommandKind = "heartbeat_update_job"
	CmdHeartbeatRemoveJob CommandKind = "heartbeat_remove_job"
)

// TaskPayload carries task fields for schedule/update commands.
type TaskPayload struct {
	GroupFolder   string `json:"group_folder" validate:"required"`
	ChatJID       string `json:"chat_jid"`
	Prompt        string `json:"prompt" validate:"required"`
	ScheduleType  string `json:"schedule_type" validate:"required,oneof=cron interval once"`
	ScheduleValue string `json:"schedule_value" validate:"required"`
	ContextMode   string `json:"context_mode" validate:"omitempty,oneof=group isolated"`
	Label         string `json:"label"`
	MaxRetries    int    `json:"max_retries"`
	RetryDelayMS  int64  `json:"retry_delay_ms"`
	TaskTimeoutMS int64  `json:"task_timeout_ms"`
}

// JobPayload carries smart-job fields for heartbeat add/update commands.
type JobPayload struct {
	ChatJID    string `json:"chat_jid"`
	Label      string `json:"label" validate:"required"`
	Prompt     string `json:"prompt" validate:"required"`
	Category   string `json:"category" validate:"omitempty,oneof=learning monitor health custom"`
	IntervalMS *int64 `json:"interval_ms" validate:"omitempty,gt=0"`
}

// GroupPayload carries registration fields for register_group.
type GroupPayload struct {
	JID             string `json:"jid" validate:"required"`
	Name            string `json:"name" validate:"required"`
	Folder          string `json:"folder" validate:"required"`
	TriggerPattern  string `json:"trigger_pattern"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

// Command is the parsed union of all IPC command variants. Which
// optional payloads must be present depends on Type.
type Command struct {
	Type    CommandKind     `json:"type" validate:"required"`
	ChatJID string          `json:"chat_jid,omitempty"`
	Text    string          `json:"text,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	Task    *TaskPayload    `json:"task,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Job     *JobPayload     `json:"job,omitempty"`
	Group   *GroupPayload   `json:"group,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// Envelope is the on-disk file shape: raw command bytes plus their
// HMAC-SHA256 tag. The signature covers the exact command bytes.
type Envelope struct {
	Command json.RawMessage `json:"command"`
	HMAC    string          `json:"hmac"`
}

// Sign computes the hex HMAC-SHA256 tag of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SealCommand marshals a command into a signed envelope file body.
func SealCommand(secret []byte, cmd Command) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("op=ipc.seal: %w", err)
	}
	return json.Marshal(Envelope{Command: raw, HMAC: Sign(secret, raw)})
}

var validate = validator.New()

// ParseEnvelope verifies the signature and decodes the command. A bad
// tag returns domain.ErrUnauthorized; the caller deletes the file.
func ParseEnvelope(secret, fileBody []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(fileBody, &env); err != nil {
		return Command{}, fmt.Errorf("op=ipc.parse: %w", err)
	}
	want := Sign(secret, env.Command)
	if !hmac.Equal([]byte(want), []byte(env.HMAC)) {
		return Command{}, fmt.Errorf("op=ipc.parse: bad signature: %w", domain.ErrUnauthorized)
	}
	var cmd Command
	if err := json.Unmarshal(env.Command, &cmd); err != nil {
		return Command{}, fmt.Errorf("op=ipc.parse: %w", err)
	}
	if err := validateCommand(cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// validateCommand checks the per-kind required payloads.
func validateCommand(cmd Command) error {
	if err := validate.Struct(cmd); err != nil {
		return fmt.Errorf("op=ipc.validate: %w", err)
	}
	switch cmd.Type {
	case CmdMessage:
		if cmd.ChatJID == "" || cmd.Text == "" {
			return fmt.Errorf("op=ipc.validate: message needs chat_jid and text: %w", domain.ErrInvalidArgument)
		}
	case CmdScheduleTask:
		if cmd.Task == nil {
			return fmt.Errorf("op=ipc.validate: schedule_task needs a task payload: %w", domain.ErrInvalidArgument)
		}
		if err := validate.Struct(cmd.Task); err != nil {
			return fmt.Errorf("op=ipc.validate: %w", err)
		}
	case CmdUpdateTask:
		if cmd.TaskID == "" || cmd.Task == nil {
			return fmt.Errorf("op=ipc.validate: update_task needs task_id and payload: %w", domain.ErrInvalidArgument)
		}
		if err := validate.Struct(cmd.Task); err != nil {
			return fmt.Errorf("op=ipc.validate: %w", err)
		}
	case CmdPauseTask, CmdResumeTask, CmdCancelTask, CmdRunTaskNow:
		if cmd.TaskID == "" {
			return fmt.Errorf("op=ipc.validate: %s needs task_id: %w", cmd.Type, domain.ErrInvalidArgument)
		}
	case CmdHeartbeatAddJob:
		if cmd.Job == nil {
			return fmt.Errorf("op=ipc.validate: heartbeat_add_job needs a job payload: %w", domain.ErrInvalidArgument)
		}
		if err := validate.Struct(cmd.Job); err != nil {
			return fmt.Errorf("op=ipc.validate: %w", err)
		}
	case CmdHeartbeatUpdateJob:
		if cmd.JobID == "" || cmd.Job == nil {
			return fmt.Errorf("op=ipc.validate: heartbeat_update_job needs job_id and payload: %w", domain.ErrInvalidArgument)
		}
		if err := validate.Struct(cmd.Job); err != nil {
			return fmt.Errorf("op=ipc.validate: %w", err)
		}
	case CmdHeartbeatRemoveJob:
		if cmd.JobID == "" {
			return fmt.Errorf("op=ipc.validate: heartbeat_remove_job needs job_id: %w", domain.ErrInvalidArgument)
		}
	case CmdRegisterGroup:
		if cmd.Group == nil {
			return fmt.Errorf("op=ipc.validate: register_group needs a group payload: %w", domain.ErrInvalidArgument)
		}
		if err := validate.Struct(cmd.Group); err != nil {
			return fmt.Errorf("op=ipc.validate: %w", err)
		}
	case CmdHeartbeatConfig, CmdRefreshGroups:
		// No payload beyond the type.
	default:
		return fmt.Errorf("op=ipc.validate: unknown command type %q: %w", cmd.Type, domain.ErrInvalidArgument)
	}
	return nil
}
