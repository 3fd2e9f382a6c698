package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

// SearchMessages counts the matches of req, then fetches one page of ids and
// resolves them. Ids are fetched before resolving so pages stay contiguous while
// other shards are written.
func (r *Repository) SearchMessages(ctx context.Context, req *model.SearchRequest) (*model.SearchResponse, error) {
	if req == nil {
		return nil, errors.InvalidArg("request")
	}
	start := time.Now()

	nReq := *req
	if nReq.Limit <= 0 {
		nReq.Limit = defaultSearchLimit
	}
	if nReq.Limit > maxSearchLimit {
		nReq.Limit = maxSearchLimit
	}
	if nReq.Offset < 0 {
		nReq.Offset = 0
	}

	total, err := r.CountMatches(ctx, nReq.Criteria)
	if err != nil {
		return nil, err
	}
	resp := &model.SearchResponse{
		Total:    total,
		IDs:      []model.MessageID{},
		Messages: []*model.StoredMessage{},
		Offset:   nReq.Offset,
		Limit:    nReq.Limit,
		Format:   r.ds.Format(),
	}
	if nReq.Offset < total {
		ids, err := r.MatchingIDs(ctx, nReq.Criteria, nReq.Offset, nReq.Limit)
		if err != nil {
			return nil, err
		}
		msgs, err := r.Resolve(ctx, ids)
		if err != nil {
			return nil, err
		}
		resp.IDs, resp.Messages = ids, msgs
	}
	resp.DurationMs = time.Since(start).Milliseconds()

	log.Debug().Int("total", total).Int("offset", nReq.Offset).Int("returned", len(resp.IDs)).
		Int64("duration_ms", resp.DurationMs).Msg("search messages")
	return resp, nil
}
