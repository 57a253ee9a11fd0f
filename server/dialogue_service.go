package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/chazu/parley/vm"
	"google.golang.org/protobuf/types/known/structpb"
)

// DialogueServiceName is the fully-qualified name of the dialogue service.
const DialogueServiceName = "parley.v1.DialogueService"

// Procedure paths of the dialogue service. Every procedure takes and
// returns a google.protobuf.Struct.
const (
	CreateSessionProcedure  = "/" + DialogueServiceName + "/CreateSession"
	DestroySessionProcedure = "/" + DialogueServiceName + "/DestroySession"
	SetNodeProcedure        = "/" + DialogueServiceName + "/SetNode"
	ContinueProcedure       = "/" + DialogueServiceName + "/Continue"
	SelectOptionProcedure   = "/" + DialogueServiceName + "/SelectOption"
	StopProcedure           = "/" + DialogueServiceName + "/Stop"
	GetVariableProcedure    = "/" + DialogueServiceName + "/GetVariable"
	SetVariableProcedure    = "/" + DialogueServiceName + "/SetVariable"
	DescribeProcedure       = "/" + DialogueServiceName + "/Describe"
)

type (
	structRequest  = connect.Request[structpb.Struct]
	structResponse = connect.Response[structpb.Struct]
)

// DialogueService implements the dialogue session procedures.
type DialogueService struct {
	server *DialogueServer
}

// NewDialogueService creates a DialogueService.
func NewDialogueService(s *DialogueServer) *DialogueService {
	return &DialogueService{server: s}
}

// Handler builds the HTTP handler routing every procedure of the service.
func (s *DialogueService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	route := func(procedure string, fn func(context.Context, *structRequest) (*structResponse, error)) {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	route(CreateSessionProcedure, s.CreateSession)
	route(DestroySessionProcedure, s.DestroySession)
	route(SetNodeProcedure, s.SetNode)
	route(ContinueProcedure, s.Continue)
	route(SelectOptionProcedure, s.SelectOption)
	route(StopProcedure, s.Stop)
	route(GetVariableProcedure, s.GetVariable)
	route(SetVariableProcedure, s.SetVariable)
	route(DescribeProcedure, s.Describe)
	return "/" + DialogueServiceName + "/", mux
}

// CreateSession starts a session. Request: {name?, node?}. When node is
// given the session starts there. Response: {session_id, nodes}.
func (s *DialogueService) CreateSession(ctx context.Context, req *structRequest) (*structResponse, error) {
	name := stringField(req.Msg, "name")
	node := stringField(req.Msg, "node")

	session, err := s.server.CreateSession(name)
	if err != nil {
		return nil, connectError(err)
	}

	out, err := session.worker.Do(ctx, func(d *vm.Dialogue) (any, error) {
		if node != "" {
			if err := d.SetNode(node); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			"session_id": session.ID,
			"nodes":      stringList(d.NodeNames()),
		}, nil
	})
	if err != nil {
		s.server.sessions.Destroy(session.ID)
		return nil, connectError(err)
	}
	return structResult(out.(map[string]any))
}

// DestroySession ends a session. Request: {session_id}.
func (s *DialogueService) DestroySession(ctx context.Context, req *structRequest) (*structResponse, error) {
	id, err := sessionID(req.Msg)
	if err != nil {
		return nil, err
	}
	if !s.server.sessions.Destroy(id) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	log.Infof("session %s destroyed", id)
	return structResult(map[string]any{})
}

// SetNode selects the node to run next. Request: {session_id, node}.
func (s *DialogueService) SetNode(ctx context.Context, req *structRequest) (*structResponse, error) {
	node := stringField(req.Msg, "node")
	if node == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("node is required"))
	}
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		if err := d.SetNode(node); err != nil {
			return nil, err
		}
		return stateFields(d, nil), nil
	})
}

// Continue runs to the next line, option set or command.
// Request: {session_id}. Response: {events, state, node}.
func (s *DialogueService) Continue(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		events, err := d.Continue()
		if err != nil {
			return nil, err
		}
		return stateFields(d, events), nil
	})
}

// SelectOption chooses an option. Request: {session_id, index}.
func (s *DialogueService) SelectOption(ctx context.Context, req *structRequest) (*structResponse, error) {
	index, ok := intField(req.Msg, "index")
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("index must be a whole number"))
	}
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		events, err := d.SetSelectedOption(index)
		if err != nil {
			return nil, err
		}
		return stateFields(d, events), nil
	})
}

// Stop abandons the running node. Request: {session_id}.
func (s *DialogueService) Stop(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		return stateFields(d, d.Stop()), nil
	})
}

// GetVariable reads a variable, falling back to the program's declared
// initial value. Request: {session_id, name}. Response: {name, kind, value}.
func (s *DialogueService) GetVariable(ctx context.Context, req *structRequest) (*structResponse, error) {
	name := stringField(req.Msg, "name")
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name is required"))
	}
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		v, ok, err := d.VariableStorage().Get(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			decl, declared := d.Program().InitialValues[name]
			if !declared {
				return nil, fmt.Errorf("%w: %s", vm.ErrVariableNotFound, name)
			}
			v = vm.ValueFromOperand(decl)
		}
		return map[string]any{"name": name, "kind": v.Kind().String(), "value": encodeValue(v)}, nil
	})
}

// SetVariable writes a variable. Request: {session_id, name, value}; the
// value's JSON type picks the kind, which must match any declaration.
func (s *DialogueService) SetVariable(ctx context.Context, req *structRequest) (*structResponse, error) {
	name := stringField(req.Msg, "name")
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("name is required"))
	}
	v, err := decodeValue(req.Msg.GetFields()["value"])
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		if decl, ok := d.Program().InitialValues[name]; ok {
			if want := vm.ValueFromOperand(decl).Kind(); want != v.Kind() {
				return nil, connect.NewError(connect.CodeInvalidArgument,
					fmt.Errorf("%s is declared %s, cannot store %s", name, want, v.Kind()))
			}
		}
		if err := d.VariableStorage().Set(name, v); err != nil {
			return nil, err
		}
		return map[string]any{"name": name, "kind": v.Kind().String(), "value": encodeValue(v)}, nil
	})
}

// Describe lists the program's nodes with their tags and headers.
// Request: {session_id}.
func (s *DialogueService) Describe(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.do(ctx, req.Msg, func(d *vm.Dialogue) (map[string]any, error) {
		var nodes []any
		for _, name := range d.NodeNames() {
			tags, _ := d.NodeTags(name)
			headers, _ := d.NodeHeaders(name)
			h := make(map[string]any, len(headers))
			for _, header := range headers {
				h[header.Key] = header.Value
			}
			visits, err := d.VisitCount(name)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, map[string]any{
				"name":    name,
				"tags":    stringList(tags),
				"headers": h,
				"visits":  visits,
			})
		}
		out := stateFields(d, nil)
		out["program"] = d.Program().Name
		out["locale"] = d.Locale().String()
		out["nodes"] = nodes
		return out, nil
	})
}

// do runs fn on the session named in msg and converts the result.
func (s *DialogueService) do(ctx context.Context, msg *structpb.Struct, fn func(*vm.Dialogue) (map[string]any, error)) (*structResponse, error) {
	id, err := sessionID(msg)
	if err != nil {
		return nil, err
	}
	session, ok := s.server.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}

	out, err := session.worker.Do(ctx, func(d *vm.Dialogue) (any, error) {
		return fn(d)
	})
	if err != nil {
		return nil, connectError(err)
	}
	return structResult(out.(map[string]any))
}

func sessionID(msg *structpb.Struct) (string, error) {
	id := stringField(msg, "session_id")
	if id == "" {
		return "", connect.NewError(connect.CodeInvalidArgument, errors.New("session_id is required"))
	}
	return id, nil
}

func structResult(fields map[string]any) (*structResponse, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// connectError maps dialogue errors to Connect codes.
func connectError(err error) error {
	var ce *connect.Error
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, vm.ErrNodeNotFound), errors.Is(err, vm.ErrVariableNotFound),
		errors.Is(err, vm.ErrFunctionNotFound), errors.Is(err, vm.ErrLineNotFound),
		errors.Is(err, ErrSessionClosed):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrInvalidOption), errors.Is(err, vm.ErrInvalidLocale):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, vm.ErrInvalidOperation), errors.Is(err, vm.ErrNoProgram):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, ErrTooManySessions):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case vm.IsFatal(err):
		return connect.NewError(connect.CodeAborted, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
