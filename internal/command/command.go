// Package command turns operator text commands into control envelopes.
//
//	/workflow run [x=N] [z=N] [range=N] [template=NAME]
//	/agent pause|resume|stop|status [NAME|all]
//	/help
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"voxelcrew.ai/internal/protocol"
)

var (
	ErrEmpty   = errors.New("empty command")
	ErrUnknown = errors.New("unknown command")
	ErrUsage   = errors.New("bad usage")
)

type parseError struct {
	base error
	msg  string
}

func (e *parseError) Error() string {
	if e.msg == "" {
		return e.base.Error()
	}
	return e.base.Error() + ": " + e.msg
}

func (e *parseError) Is(target error) bool { return target == e.base }
func (e *parseError) ErrorCode() string    { return protocol.ErrBadRequest }

func usage(format string, args ...any) error {
	return &parseError{base: ErrUsage, msg: fmt.Sprintf(format, args...)}
}

const HelpText = "/workflow run [x=N] [z=N] [range=N] [template=NAME] | /agent pause|resume|stop|status [NAME|all]"

// Command is a parsed operator command. Help commands carry no message.
type Command struct {
	Type    string
	Target  string
	Payload any
	Help    bool
}

// Envelope builds the control message for c.
func (c Command) Envelope(source string) (protocol.Envelope, error) {
	if c.Help {
		return protocol.Envelope{}, usage("help has no message")
	}
	return protocol.NewEnvelope(c.Type, source, c.Target, c.Payload)
}

var agentVerbs = map[string]string{
	"pause":  protocol.TypeAgentPause,
	"resume": protocol.TypeAgentResume,
	"stop":   protocol.TypeAgentStop,
	"status": protocol.TypeStatusRequest,
}

// Parse reads one command line. The leading slash is optional and command
// words are case-insensitive; "agents" is accepted for "agent".
func Parse(line string) (Command, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return Command{}, &parseError{base: ErrEmpty}
	}
	cmd := strings.ToLower(fields[0])
	positional, kv := splitArgs(fields[1:])

	switch strings.TrimSuffix(cmd, "s") {
	case "help":
		return Command{Help: true}, nil
	case "workflow":
		if len(positional) == 0 || strings.ToLower(positional[0]) != "run" {
			return Command{}, usage("want /workflow run")
		}
		msg, err := workflowRun(kv)
		if err != nil {
			return Command{}, err
		}
		return Command{Type: protocol.TypeWorkflowRun, Target: protocol.Broadcast, Payload: msg}, nil
	case "agent":
		if len(positional) == 0 {
			return Command{}, usage("want /agent pause|resume|stop|status [name]")
		}
		verb := strings.ToLower(positional[0])
		if verb == "help" {
			return Command{Help: true}, nil
		}
		typ, ok := agentVerbs[verb]
		if !ok {
			return Command{}, usage("unknown agent verb %q", verb)
		}
		target := protocol.Broadcast
		if len(positional) > 1 {
			target = strings.ToLower(positional[1])
		}
		if len(positional) > 2 || len(kv) > 0 {
			return Command{}, usage("too many arguments")
		}
		return Command{Type: typ, Target: target, Payload: protocol.ControlMsg{}}, nil
	}
	return Command{}, &parseError{base: ErrUnknown, msg: cmd}
}

func splitArgs(args []string) ([]string, map[string]string) {
	var positional []string
	kv := map[string]string{}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			kv[strings.ToLower(k)] = v
			continue
		}
		positional = append(positional, a)
	}
	return positional, kv
}

func workflowRun(kv map[string]string) (protocol.WorkflowRunMsg, error) {
	var msg protocol.WorkflowRunMsg
	for k, v := range kv {
		switch k {
		case "x", "z":
			n, err := strconv.Atoi(v)
			if err != nil {
				return msg, usage("%s must be an integer", k)
			}
			if k == "x" {
				msg.X = &n
			} else {
				msg.Z = &n
			}
		case "range":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return msg, usage("range must be a non-negative integer")
			}
			msg.Range = n
		case "template":
			if v == "" {
				return msg, usage("empty template")
			}
			msg.Template = strings.ToLower(v)
		default:
			return msg, usage("unknown parameter %q", k)
		}
	}
	return msg, nil
}
