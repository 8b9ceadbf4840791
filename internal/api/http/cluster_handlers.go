package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/civita/formation/internal/infrastructure/raftlog"
)

// ClusterAdmin manages raft membership of the timer log.
type ClusterAdmin interface {
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	ID() string
	IsLeader() bool
	LeaderAddr() string
}

func (s *Server) raftStatus(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		respondError(w, http.StatusNotFound, "CLUSTER_DISABLED", "timer store is not replicated")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"nodeId":     s.cluster.ID(),
		"leader":     s.cluster.IsLeader(),
		"leaderAddr": s.cluster.LeaderAddr(),
	})
}

func (s *Server) addRaftVoter(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		respondError(w, http.StatusNotFound, "CLUSTER_DISABLED", "timer store is not replicated")
		return
	}
	var req raftlog.VoterRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid request body")
		return
	}
	req.NodeID = strings.TrimSpace(req.NodeID)
	req.RaftAddr = strings.TrimSpace(req.RaftAddr)
	if req.NodeID == "" || req.RaftAddr == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "nodeId and raftAddr are required")
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if errors.Is(err, raftlog.ErrNotLeader) {
			respondError(w, http.StatusConflict, "NOT_LEADER", "leader is "+s.cluster.LeaderAddr())
			return
		}
		s.logger.Error().Err(err).Str("node_id", req.NodeID).Msg("add raft voter failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	s.logger.Info().
		Str("node_id", req.NodeID).
		Str("raft_addr", req.RaftAddr).
		Str("organizer", organizerFromContext(r.Context())).
		Msg("raft voter added")
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodeId": req.NodeID, "raftAddr": req.RaftAddr})
}
