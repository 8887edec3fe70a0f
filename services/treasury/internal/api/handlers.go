package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/pkg/httpx"
	"github.com/accordsai/spendlane/services/treasury/internal/approval"
	"github.com/accordsai/spendlane/services/treasury/internal/audit"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/emergency"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

type createRequestBody struct {
	Recipients   []string `json:"recipients"`
	Amounts      []uint64 `json:"amounts"`
	Description  string   `json:"description"`
	DocumentHash string   `json:"document_hash"`
	VirtualPayer string   `json:"virtual_payer"`
}

type commitBody struct {
	Digest commitreveal.Digest `json:"digest"`
}

type revealBody struct {
	Nonce string `json:"nonce"`
}

type closureBody struct {
	ReturnAddress string `json:"return_address"`
	Reason        string `json:"reason"`
}

type roleBody struct {
	Op      string              `json:"op,omitempty"`
	Role    string              `json:"role"`
	Account string              `json:"account"`
	Digest  commitreveal.Digest `json:"digest,omitempty"`
	Nonce   string              `json:"nonce,omitempty"`
}

type budgetBody struct {
	NewBudget uint64 `json:"new_budget"`
}

type commitResponse struct {
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	RevealAfter string `json:"reveal_after"`
}

func (s *Server) committed(subject string) commitResponse {
	return commitResponse{Subject: subject, Status: "COMMITTED", RevealAfter: s.in.RevealWindow().String()}
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return
	}
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.CreateRequest(ctx, c, workflow.CreateInput{
			Recipients:   body.Recipients,
			Amounts:      body.Amounts,
			Description:  body.Description,
			DocumentHash: body.DocumentHash,
			VirtualPayer: body.VirtualPayer,
		})
	})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	var (
		out []*domain.Request
		err error
	)
	if requester := strings.TrimSpace(r.URL.Query().Get("requester")); requester != "" {
		out, err = s.in.ListActiveFor(r.Context(), requester)
	} else {
		out, err = s.in.ListActive(r.Context())
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if out == nil {
		out = []*domain.Request{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "request id must be a positive integer")
		return
	}
	req, err := s.in.GetRequest(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "request id must be a positive integer")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.CancelRequest(ctx, c, id)
	})
}

func (s *Server) cancelAbandoned(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "request id must be a positive integer")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.CancelAbandonedRequest(ctx, c, id)
	})
}

func (s *Server) levelParams(w http.ResponseWriter, r *http.Request) (uint64, domain.Level, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "request id must be a positive integer")
		return 0, "", false
	}
	level, err := domain.ParseLevel(chi.URLParam(r, "level"))
	if err != nil {
		badRequest(w, "BAD_LEVEL", err.Error())
		return 0, "", false
	}
	return id, level, true
}

func (s *Server) commitApproval(w http.ResponseWriter, r *http.Request) {
	id, level, ok := s.levelParams(w, r)
	if !ok {
		return
	}
	var body commitBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return
	}
	s.mutate(w, r, http.StatusAccepted, func(ctx context.Context, c workflow.Caller) (any, error) {
		if err := s.in.CommitApproval(ctx, c, id, level, body.Digest); err != nil {
			return nil, err
		}
		return s.committed(approval.SubjectKey(id, level)), nil
	})
}

func (s *Server) revealApproval(w http.ResponseWriter, r *http.Request) {
	id, level, ok := s.levelParams(w, r)
	if !ok {
		return
	}
	nonce, ok := readNonce(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.Approve(ctx, c, id, level, nonce)
	})
}

func readNonce(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var body revealBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return nil, false
	}
	nonce, err := decodeHex(body.Nonce)
	if err != nil || len(nonce) == 0 {
		badRequest(w, "BAD_NONCE", "nonce must be non-empty hex")
		return nil, false
	}
	return nonce, true
}

func (s *Server) initiateClosure(w http.ResponseWriter, r *http.Request) {
	var body closureBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return
	}
	s.mutate(w, r, http.StatusCreated, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.InitiateEmergencyClosure(ctx, c, body.ReturnAddress, body.Reason)
	})
}

func (s *Server) getClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "closure id must be a positive integer")
		return
	}
	cl, err := s.in.GetClosure(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cl)
}

func (s *Server) commitClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "closure id must be a positive integer")
		return
	}
	var body commitBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return
	}
	s.mutate(w, r, http.StatusAccepted, func(ctx context.Context, c workflow.Caller) (any, error) {
		if err := s.in.CommitClosureApproval(ctx, c, id, body.Digest); err != nil {
			return nil, err
		}
		return s.committed(emergency.SubjectKey(id)), nil
	})
}

func (s *Server) revealClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "BAD_ID", "closure id must be a positive integer")
		return
	}
	nonce, ok := readNonce(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.ApproveEmergencyClosure(ctx, c, id, nonce)
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		if err := s.in.Pause(ctx, c); err != nil {
			return nil, err
		}
		return s.in.Status(ctx)
	})
}

func (s *Server) unpause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		if err := s.in.Unpause(ctx, c); err != nil {
			return nil, err
		}
		return s.in.Status(ctx)
	})
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	out, err := s.in.Roles(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func readRole(w http.ResponseWriter, r *http.Request) (roleBody, roles.Role, bool) {
	var body roleBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return body, "", false
	}
	role, err := roles.Parse(body.Role)
	if err != nil {
		badRequest(w, "UNKNOWN_ROLE", err.Error())
		return body, "", false
	}
	return body, role, true
}

func (s *Server) commitRoleChange(w http.ResponseWriter, r *http.Request) {
	body, role, ok := readRole(w, r)
	if !ok {
		return
	}
	op, err := workflow.ParseRoleOp(body.Op)
	if err != nil {
		badRequest(w, "INVALID_ROLE_OP", err.Error())
		return
	}
	s.mutate(w, r, http.StatusAccepted, func(ctx context.Context, c workflow.Caller) (any, error) {
		if err := s.in.CommitRoleChange(ctx, c, op, role, body.Account, body.Digest); err != nil {
			return nil, err
		}
		return s.committed(workflow.RoleSubject(op, role, body.Account)), nil
	})
}

func (s *Server) applyRole(w http.ResponseWriter, r *http.Request, op workflow.RoleOp) {
	body, role, ok := readRole(w, r)
	if !ok {
		return
	}
	nonce, err := decodeHex(body.Nonce)
	if err != nil || len(nonce) == 0 {
		badRequest(w, "BAD_NONCE", "nonce must be non-empty hex")
		return
	}
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		apply := s.in.GrantRole
		if op == workflow.OpRevoke {
			apply = s.in.RevokeRole
		}
		if err := apply(ctx, c, role, body.Account, nonce); err != nil {
			return nil, err
		}
		return map[string]any{"op": op, "role": role, "account": body.Account}, nil
	})
}

func (s *Server) grantRole(w http.ResponseWriter, r *http.Request) { s.applyRole(w, r, workflow.OpGrant) }

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) { s.applyRole(w, r, workflow.OpRevoke) }

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.in.Budget(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (s *Server) proposeBudget(w http.ResponseWriter, r *http.Request) {
	var body budgetBody
	if err := httpx.ReadJSON(r, &body); err != nil {
		badRequest(w, "BAD_JSON", err.Error())
		return
	}
	s.mutate(w, r, http.StatusAccepted, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.ProposeBudgetIncrease(ctx, c, body.NewBudget)
	})
}

func (s *Server) executeBudget(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.ExecuteBudgetIncrease(ctx, c)
	})
}

func (s *Server) cancelBudget(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, http.StatusOK, func(ctx context.Context, c workflow.Caller) (any, error) {
		return s.in.CancelBudgetIncrease(ctx, c)
	})
}

func (s *Server) getTreasury(w http.ResponseWriter, r *http.Request) {
	bal, err := s.in.TreasuryBalance(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"account": s.in.Treasury(), "balance": bal})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.in.Status(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := audit.SubjectKind(strings.ToLower(strings.TrimSpace(q.Get("subject_kind"))))
	subject := strings.TrimSpace(q.Get("subject_id"))
	if kind == "" || subject == "" {
		badRequest(w, "BAD_REQUEST", "subject_kind and subject_id are required")
		return
	}
	if q.Get("source") == "archive" {
		if s.archive == nil {
			httpx.WriteError(w, http.StatusNotFound, "NO_ARCHIVE", "no durable audit archive is configured", nil)
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		recs, err := s.archive.AuditTrail(r.Context(), kind, subject, limit)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": nonNil(recs)})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": nonNil(s.in.AuditFor(kind, subject))})
}

func nonNil(recs []audit.Record) []audit.Record {
	if recs == nil {
		return []audit.Record{}
	}
	return recs
}
