// Package protocol defines the messages exchanged between a controller and a
// worker and the length-prefixed JSON framing that carries them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message actions.
const (
	ActionExecute  = "execute"
	ActionFinished = "execution finished"
	ActionError    = "error"
	ActionExit     = "exit"
	ActionExited   = "exited"
	ActionHello    = "hello"
	ActionWelcome  = "welcome"
)

// Message is the envelope for every frame in both directions. Which fields are
// set depends on Action:
//
//	execute             ID, ModulePath, Function, Args, Kwargs
//	execution finished  ID, Result
//	error               ID, Exception
//	hello               Token
//	exit, exited        none
//	welcome             none
type Message struct {
	ID         string                     `json:"id,omitempty"`
	Action     string                     `json:"action"`
	Token      string                     `json:"token,omitempty"`
	ModulePath string                     `json:"modulePath,omitempty"`
	Function   string                     `json:"function,omitempty"`
	Args       []json.RawMessage          `json:"args,omitempty"`
	Kwargs     map[string]json.RawMessage `json:"kwargs,omitempty"`
	Result     json.RawMessage            `json:"result,omitempty"`
	Exception  string                     `json:"exception,omitempty"`
}

// NewRequest builds an execute message, encoding every argument as JSON.
func NewRequest(id, modulePath, function string, args []any, kwargs map[string]any) (Message, error) {
	encodedArgs, encodedKwargs, err := EncodeArguments(args, kwargs)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         id,
		Action:     ActionExecute,
		ModulePath: modulePath,
		Function:   function,
		Args:       encodedArgs,
		Kwargs:     encodedKwargs,
	}, nil
}

// EncodeArguments converts positional and keyword arguments to raw JSON values.
func EncodeArguments(args []any, kwargs map[string]any) ([]json.RawMessage, map[string]json.RawMessage, error) {
	encodedArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		encodedArgs[i] = data
	}

	var encodedKwargs map[string]json.RawMessage
	if len(kwargs) > 0 {
		encodedKwargs = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("encode keyword argument %q: %w", k, err)
			}
			encodedKwargs[k] = data
		}
	}

	return encodedArgs, encodedKwargs, nil
}

// Finished builds the success response for request id.
func Finished(id string, value any) (Message, error) {
	result, err := EncodeResult(value)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Action: ActionFinished, Result: json.RawMessage(result)}, nil
}

// Failure builds the error response for request id.
func Failure(id, exception string) Message {
	return Message{ID: id, Action: ActionError, Exception: exception}
}

// Exit is the control message asking a worker to stop.
func Exit() Message {
	return Message{Action: ActionExit}
}

// Exited acknowledges an Exit.
func Exited() Message {
	return Message{Action: ActionExited}
}

// Hello opens a connection, presenting the launch token.
func Hello(token string) Message {
	return Message{Action: ActionHello, Token: token}
}

// Welcome accepts a Hello.
func Welcome() Message {
	return Message{Action: ActionWelcome}
}
