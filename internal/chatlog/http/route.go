package http

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
	"github.com/chatlogstore/chatlog/pkg/util"
	"github.com/chatlogstore/chatlog/pkg/util/compress"
)

const (
	maxTailLimit = 500
	maxIDsTake   = 1000
)

func (s *Service) initRouter() {
	s.initBaseRouter()
	s.initAPIRouter()
}

func (s *Service) initBaseRouter() {
	s.router.GET("/health", func(ctx *gin.Context) { ctx.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.conf.IsMetricsEnabled() {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

func (s *Service) initAPIRouter() {
	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)

		api.POST("/messages", s.handleAppend)
		api.DELETE("/sources/:source", s.handleForgetSource)
		api.POST("/count", s.handleCount)
		api.POST("/ids", s.handleIDs)
		api.POST("/resolve", s.handleResolve)
		api.GET("/search", s.handleSearch)
		api.POST("/search", s.handleSearchJSON)
		api.GET("/tail", s.handleTail)
		api.GET("/day", s.handleDay)
		api.GET("/export", s.handleExport)

		api.GET("/channels", s.handleChannels)
		api.GET("/channels/:name/exists", s.handleChannelExists)
		api.GET("/characters", s.handleCharacters)
		api.GET("/characters/:character/pms/:interlocutor/exists", s.handlePrivateExists)
		api.GET("/stores", s.handleStores)
	}
}

// GET /api/v1/status
func (s *Service) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.conf.Snapshot())
}

type appendRequest struct {
	Source string `json:"source"`
	model.LogEntry
}

// POST /api/v1/messages
func (s *Service) handleAppend(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid payload", http.StatusBadRequest))
		return
	}
	id, err := s.db.Append(c.Request.Context(), req.Source, &req.LogEntry)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "dropped": id == ""})
}

// DELETE /api/v1/sources/:source
func (s *Service) handleForgetSource(c *gin.Context) {
	s.db.ForgetSource(c.Param("source"))
	c.Status(http.StatusNoContent)
}

// POST /api/v1/count
func (s *Service) handleCount(c *gin.Context) {
	var crit model.SearchCriteria
	if err := c.ShouldBindJSON(&crit); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid payload", http.StatusBadRequest))
		return
	}
	n, err := s.db.CountMatches(c.Request.Context(), crit)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

type idsRequest struct {
	Criteria model.SearchCriteria `json:"criteria"`
	Skip     int                  `json:"skip"`
	Take     int                  `json:"take"`
}

// POST /api/v1/ids
func (s *Service) handleIDs(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid payload", http.StatusBadRequest))
		return
	}
	if req.Skip < 0 || req.Take < 0 || req.Take > maxIDsTake {
		errors.Err(c, errors.InvalidArg("skip/take"))
		return
	}
	ids, err := s.db.MatchingIDs(c.Request.Context(), req.Criteria, req.Skip, req.Take)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

// POST /api/v1/resolve
func (s *Service) handleResolve(c *gin.Context) {
	var req struct {
		IDs []model.MessageID `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid payload", http.StatusBadRequest))
		return
	}
	msgs, err := s.db.Resolve(c.Request.Context(), req.IDs)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

type criteriaQuery struct {
	Query     string `form:"q"`
	Speaker   string `form:"speaker"`
	Character string `form:"character"`
	Channel   string `form:"channel"`
	PM        string `form:"pm"`
	After     string `form:"after"`
	Before    string `form:"before"`
}

func (q *criteriaQuery) criteria() (model.SearchCriteria, error) {
	var crit model.SearchCriteria
	if t := strings.TrimSpace(q.Query); t != "" {
		crit.Text = &model.TextSpec{Text: t}
	}
	if sp := strings.TrimSpace(q.Speaker); sp != "" {
		crit.Who = &model.WhoSpec{Speaker: sp}
	}
	stream, ok, err := q.stream()
	if err != nil {
		return crit, err
	}
	if ok {
		crit.Stream = &model.StreamSpec{Character: strings.TrimSpace(q.Character), Stream: stream}
	}

	after, err := parseTime(q.After, "after")
	if err != nil {
		return crit, err
	}
	before, err := parseTime(q.Before, "before")
	if err != nil {
		return crit, err
	}
	if !after.IsZero() || !before.IsZero() {
		crit.Time = &model.TimeSpec{After: after, Before: before}
	}
	return crit, nil
}

func (q *criteriaQuery) stream() (model.Stream, bool, error) {
	channel, pm := strings.TrimSpace(q.Channel), strings.TrimSpace(q.PM)
	switch {
	case channel != "" && pm != "":
		return model.Stream{}, false, errors.InvalidArg("channel/pm")
	case channel != "":
		return model.ChannelStream(channel, ""), true, nil
	case pm != "":
		return model.PrivateStream(pm), true, nil
	default:
		return model.Stream{}, false, nil
	}
}

func parseTime(s, arg string) (time.Time, error) {
	t, ok := util.ParseTime(s)
	if !ok {
		return time.Time{}, errors.InvalidArg(arg)
	}
	return t, nil
}

// GET /api/v1/search
func (s *Service) handleSearch(c *gin.Context) {
	params := struct {
		criteriaQuery
		Limit  int    `form:"limit"`
		Offset int    `form:"offset"`
		Format string `form:"format"`
	}{}

	if err := c.ShouldBindQuery(&params); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid query", http.StatusBadRequest))
		return
	}

	crit, err := params.criteria()
	if err != nil {
		errors.Err(c, err)
		return
	}

	resp, err := s.db.SearchMessages(c.Request.Context(), &model.SearchRequest{
		Criteria: crit,
		Offset:   params.Offset,
		Limit:    params.Limit,
	})
	if err != nil {
		errors.Err(c, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(params.Format))
	switch format {
	case "", "json":
		c.JSON(http.StatusOK, resp)
	case "csv":
		c.Writer.Header().Set("Content-Type", "text/csv; charset=utf-8")
		c.Writer.Header().Set("X-Total-Count", strconv.Itoa(resp.Total))
		writeCSV(c, resp.Messages)
	default:
		errors.Err(c, errors.InvalidArg("format"))
	}
}

// POST /api/v1/search
func (s *Service) handleSearchJSON(c *gin.Context) {
	var req model.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid payload", http.StatusBadRequest))
		return
	}
	resp, err := s.db.SearchMessages(c.Request.Context(), &req)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeCSV(c *gin.Context, msgs []*model.StoredMessage) {
	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "time", "character", "stream", "type", "speaker", "text"})
	for _, m := range msgs {
		_ = w.Write([]string{
			string(m.ID),
			m.Time.Format(time.RFC3339),
			m.Character,
			m.Stream.String(),
			m.Type.String(),
			m.Speaker,
			m.Text,
		})
	}
	w.Flush()
}

type streamQuery struct {
	Character string `form:"character"`
	Channel   string `form:"channel"`
	PM        string `form:"pm"`
}

func (q *streamQuery) resolve() (string, model.Stream, error) {
	cq := criteriaQuery{Channel: q.Channel, PM: q.PM}
	stream, ok, err := cq.stream()
	if err != nil {
		return "", stream, err
	}
	if !ok {
		return "", stream, errors.InvalidArg("channel/pm")
	}
	character := strings.TrimSpace(q.Character)
	if character == "" {
		return "", stream, errors.ErrCharacterEmpty
	}
	return character, stream, nil
}

// GET /api/v1/tail
func (s *Service) handleTail(c *gin.Context) {
	q := struct {
		streamQuery
		Before string `form:"before"`
		Limit  int    `form:"limit"`
	}{}
	if err := c.ShouldBindQuery(&q); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid query", http.StatusBadRequest))
		return
	}
	character, stream, err := q.resolve()
	if err != nil {
		errors.Err(c, err)
		return
	}
	before, err := parseTime(q.Before, "before")
	if err != nil {
		errors.Err(c, err)
		return
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > maxTailLimit {
		q.Limit = maxTailLimit
	}
	msgs, err := s.db.RecentMessages(c.Request.Context(), character, stream, before, q.Limit)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

// GET /api/v1/day
func (s *Service) handleDay(c *gin.Context) {
	q := struct {
		streamQuery
		Date string `form:"date"`
	}{}
	if err := c.ShouldBindQuery(&q); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid query", http.StatusBadRequest))
		return
	}
	character, stream, err := q.resolve()
	if err != nil {
		errors.Err(c, err)
		return
	}
	day, err := time.Parse(util.DateLayout, strings.TrimSpace(q.Date))
	if err != nil {
		errors.Err(c, errors.InvalidArg("date"))
		return
	}
	msgs, err := s.db.MessagesOnDay(c.Request.Context(), character, stream, day)
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": msgs})
}

// GET /api/v1/export
func (s *Service) handleExport(c *gin.Context) {
	q := struct {
		criteriaQuery
		Compression string `form:"compression"`
	}{}
	if err := c.ShouldBindQuery(&q); err != nil {
		errors.Err(c, errors.Wrap(err, "invalid query", http.StatusBadRequest))
		return
	}
	crit, err := q.criteria()
	if err != nil {
		errors.Err(c, err)
		return
	}
	codec, err := compress.Normalize(q.Compression)
	if err != nil {
		errors.Err(c, errors.InvalidArg("compression"))
		return
	}

	name := "chatlog.jsonl" + compress.Ext(codec)
	c.Writer.Header().Set("Content-Type", "application/octet-stream")
	c.Writer.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Status(http.StatusOK)
	if _, err := s.db.Export(c.Request.Context(), c.Writer, crit, codec); err != nil {
		// Answered by the error middleware only if nothing was written yet.
		_ = c.Error(err)
	}
}

// GET /api/v1/channels
func (s *Service) handleChannels(c *gin.Context) {
	resp, err := s.db.GetChannels(c.Request.Context())
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/characters
func (s *Service) handleCharacters(c *gin.Context) {
	resp, err := s.db.GetCharacters(c.Request.Context())
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/stores
func (s *Service) handleStores(c *gin.Context) {
	resp, err := s.db.GetStores(c.Request.Context())
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) handleChannelExists(c *gin.Context) {
	ok, err := s.db.HasChannel(c.Request.Context(), c.Param("name"))
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": ok})
}

func (s *Service) handlePrivateExists(c *gin.Context) {
	ok, err := s.db.HasPrivateConversation(c.Request.Context(), c.Param("character"), c.Param("interlocutor"))
	if err != nil {
		errors.Err(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": ok})
}
