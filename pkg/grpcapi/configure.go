package grpcapi

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mptm-gw/mptm/pkg/api"
	"github.com/mptm-gw/mptm/pkg/configstore"
)

// Configuration operations.
const (
	OpEnter       = "enter"
	OpExit        = "exit"
	OpStatus      = "status"
	OpSet         = "set"
	OpDelete      = "delete"
	OpCommit      = "commit"
	OpCommitCheck = "commit-check"
	OpRollback    = "rollback"
	OpShow        = "show"
	OpShowSet     = "show-set"
	OpCompare     = "compare"
	OpHistory     = "history"
)

// ConfigRequest is one configuration operation. Show operations read the
// active configuration unless Candidate is set.
type ConfigRequest struct {
	Op        string `json:"op"`
	Input     string `json:"input,omitempty"`
	Comment   string `json:"comment,omitempty"`
	N         int    `json:"n,omitempty"`
	Candidate bool   `json:"candidate,omitempty"`
}

// ConfigResult is the outcome of a configuration operation.
type ConfigResult struct {
	Output     string            `json:"output,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	History    []api.HistoryInfo `json:"history,omitempty"`
	ConfigMode bool              `json:"config_mode"`
	Dirty      bool              `json:"dirty"`
}

// Configure runs one configuration operation.
func (s *Server) Configure(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "configuration store not available")
	}
	var req ConfigRequest
	if err := fromStruct(in, "", &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	res, err := s.configure(req)
	if err != nil {
		return nil, err
	}
	res.ConfigMode = s.store.InConfigMode()
	res.Dirty = s.store.IsDirty()
	return reply("", res)
}

func (s *Server) configure(req ConfigRequest) (*ConfigResult, error) {
	res := &ConfigResult{}
	switch req.Op {
	case OpEnter:
		if err := s.store.EnterConfigure(); err != nil {
			return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
		}
	case OpExit:
		s.store.ExitConfigure()
	case OpStatus:
	case OpSet:
		if err := s.store.SetFromInput(req.Input); err != nil {
			return nil, status.Errorf(configCode(err), "%v", err)
		}
	case OpDelete:
		if err := s.store.DeleteFromInput(req.Input); err != nil {
			return nil, status.Errorf(configCode(err), "%v", err)
		}
	case OpCommitCheck:
		cfg, err := s.store.CommitCheck()
		if err != nil {
			return nil, status.Errorf(configCode(err), "%v", err)
		}
		res.Warnings = cfg.Warnings
	case OpCommit:
		cfg, err := s.store.Commit(req.Comment)
		if err != nil {
			return nil, status.Errorf(configCode(err), "%v", err)
		}
		res.Warnings = cfg.Warnings
		if s.applyFn != nil {
			if err := s.applyFn(cfg); err != nil {
				return nil, status.Errorf(codes.Internal, "committed, apply failed: %v", err)
			}
		}
	case OpRollback:
		if err := s.store.Rollback(req.N); err != nil {
			return nil, status.Errorf(configCode(err), "%v", err)
		}
	case OpShow:
		if req.Candidate {
			res.Output = s.store.ShowCandidate()
		} else {
			res.Output = s.store.ShowActive()
		}
	case OpShowSet:
		if req.Candidate {
			res.Output = s.store.ShowCandidateSet()
		} else {
			res.Output = s.store.ShowActiveSet()
		}
	case OpCompare:
		if !s.store.InConfigMode() {
			return nil, status.Error(codes.FailedPrecondition, configstore.ErrNotConfiguring.Error())
		}
		res.Output = s.store.ShowCompare()
	case OpHistory:
		for i, e := range s.store.History() {
			res.History = append(res.History, api.HistoryInfo{
				Index:     i + 1,
				Timestamp: e.Timestamp.Format(time.RFC3339),
				Comment:   e.Comment,
				Commit:    e.Commit,
				Tunnels:   e.Tunnels,
				Redirects: e.Redirects,
				Groups:    e.Groups,
			})
		}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown configuration operation %q", req.Op)
	}
	return res, nil
}

func configCode(err error) codes.Code {
	if errors.Is(err, configstore.ErrNotConfiguring) {
		return codes.FailedPrecondition
	}
	return codes.InvalidArgument
}
