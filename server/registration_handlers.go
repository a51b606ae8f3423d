package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// engineTimeLayout is the format the engine replies with on registration.
const engineTimeLayout = "2006-01-02T15:04:05"

var (
	errTicketUnknown = errors.New("invalid ticket")
	errTicketUsed    = errors.New("ticket already used")
	errTicketExpired = errors.New("ticket expired")
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1", s.requireAdmin)
	admin.POST("/tickets", s.handleIssueTicket)
	admin.GET("/tickets", s.handleListTickets)
	admin.DELETE("/tickets/:id", s.handleRevokeTicket)
	admin.GET("/nodes", s.handleListNodes)
	admin.GET("/nodes/:name", s.handleGetNode)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminToken == "" {
		respondError(c, http.StatusServiceUnavailable, "admin API disabled", s.logger)
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	if !secureCompare(strings.TrimPrefix(authz, "Bearer "), s.cfg.AdminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

// handleRegister accepts a node registration. The reply body is the engine's
// current time, which nodes use to set their clocks.
func (s *Server) handleRegister(c *gin.Context) {
	log := requestLogger(c, s.logger)

	address := strings.TrimSpace(c.Query("vds_ip"))
	name := strings.TrimSpace(c.Query("vds_name"))
	uniqueID := strings.TrimSpace(c.Query("vds_unique_id"))
	ticket := c.Query("ticket")
	if config.IsUnset(address) || config.IsUnset(name) {
		respondError(c, http.StatusBadRequest, "vds_ip and vds_name are required", s.logger)
		return
	}
	port := 0
	if raw := c.Query("port"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			respondError(c, http.StatusBadRequest, "invalid port", s.logger)
			return
		}
		port = p
	}
	if config.IsUnset(uniqueID) {
		uniqueID = ""
	}

	span := trace.SpanFromContext(c.Request.Context())
	span.SetAttributes(
		attribute.String("node.name", name),
		attribute.Bool("ticket.present", ticket != ""),
	)

	if ticket == "" && s.cfg.RequireTicket {
		respondError(c, http.StatusUnauthorized, "ticket required", s.logger)
		return
	}

	now := s.now().UTC()
	var node Node
	err := s.db.Transaction(func(tx *gorm.DB) error {
		s.ticketsMu.Lock()
		defer s.ticketsMu.Unlock()
		s.nodesMu.Lock()
		defer s.nodesMu.Unlock()

		var redeemed *Ticket
		if ticket != "" {
			t, err := s.redeemTicket(tx, ticket, now)
			if err != nil {
				return err
			}
			redeemed = t
		}

		query := tx.Where("name = ?", name)
		if uniqueID != "" {
			query = tx.Where("unique_id = ?", uniqueID)
		}
		if err := query.First(&node).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			node = Node{UniqueID: uniqueID}
		}
		node.Name = name
		node.Address = address
		node.Port = port
		node.RemoteAddr = c.ClientIP()
		node.Scheme = requestScheme(c.Request)
		node.Registrations++
		node.LastSeen = now
		if redeemed != nil {
			node.LastTicketID = redeemed.ID
		}
		if err := tx.Save(&node).Error; err != nil {
			return err
		}

		if redeemed != nil {
			return tx.Model(redeemed).Updates(map[string]interface{}{
				"used_at":     now,
				"redeemed_by": name,
			}).Error
		}
		return nil
	})
	switch {
	case errors.Is(err, errTicketUnknown), errors.Is(err, errTicketUsed), errors.Is(err, errTicketExpired):
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to persist registration")
		respondError(c, http.StatusInternalServerError, "failed to persist registration", s.logger)
		return
	}

	log.Info().Str("node", name).Str("address", address).Int("registrations", node.Registrations).
		Str("scheme", node.Scheme).Msg("Node registered")
	c.String(http.StatusOK, now.Format(engineTimeLayout))
}

func (s *Server) redeemTicket(tx *gorm.DB, raw string, now time.Time) (*Ticket, error) {
	var t Ticket
	if err := tx.Where("ticket_hash = ?", s.ticketHasher.Hash(raw)).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errTicketUnknown
		}
		return nil, err
	}
	if t.UsedAt != nil {
		return nil, errTicketUsed
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return nil, errTicketExpired
	}
	return &t, nil
}

func (s *Server) handleSSHKey(c *gin.Context) {
	if len(s.sshKey) == 0 {
		respondError(c, http.StatusNotFound, "no ssh key configured", s.logger)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", s.sshKey)
}

func (s *Server) handleIssueTicket(c *gin.Context) {
	var req struct {
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	raw, err := generateTicketSecret()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate ticket", s.logger)
		return
	}

	ttl := req.ExpiresInSeconds
	if ttl == 0 {
		ttl = int64(s.cfg.TicketTTL)
	}
	expiresAt := time.Time{}
	if ttl > 0 {
		expiresAt = s.now().UTC().Add(time.Duration(ttl) * time.Second)
	}

	record := Ticket{
		ID:         uuid.NewString(),
		Label:      req.Label,
		TicketHash: s.ticketHasher.Hash(raw),
		ExpiresAt:  expiresAt,
	}

	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	if err := s.db.Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist ticket", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.ID,
		"ticket":     raw,
		"label":      record.Label,
		"expires_at": record.ExpiresAt,
	})
}

func (s *Server) handleListTickets(c *gin.Context) {
	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	var tickets []Ticket
	if err := s.db.Order("created_at desc").Find(&tickets).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list tickets", s.logger)
		return
	}

	resp := make([]gin.H, 0, len(tickets))
	for _, t := range tickets {
		resp = append(resp, gin.H{
			"id":          t.ID,
			"label":       t.Label,
			"expires_at":  t.ExpiresAt,
			"used_at":     t.UsedAt,
			"redeemed_by": t.RedeemedBy,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevokeTicket(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid ticket id", s.logger)
		return
	}

	s.ticketsMu.Lock()
	defer s.ticketsMu.Unlock()

	var t Ticket
	if err := s.db.First(&t, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "ticket not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load ticket", s.logger)
		return
	}

	now := s.now().UTC()
	if err := s.db.Model(&t).Updates(map[string]interface{}{
		"used_at":     now,
		"redeemed_by": fmt.Sprintf("revoked:%d", now.Unix()),
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to revoke ticket", s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListNodes(c *gin.Context) {
	var nodes []Node
	if err := s.db.Order("name").Find(&nodes).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list nodes", s.logger)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (s *Server) handleGetNode(c *gin.Context) {
	var node Node
	if err := s.db.Where("name = ?", c.Param("name")).First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "node not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to load node", s.logger)
		return
	}
	c.JSON(http.StatusOK, node)
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
