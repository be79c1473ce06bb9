package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/diff"
	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/gin-gonic/gin"
)

type versionSummaryPayload struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	SnapshotSize int64     `json:"snapshotSize"`
	Preview      string    `json:"preview"`
}

type versionSnapshotPayload struct {
	Snapshot []byte `json:"snapshot"`
}

type versionPreviewPayload struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	CreatedAt  time.Time `json:"createdAt"`
	Text       string    `json:"text"`
}

type restorePayload struct {
	Restored bool   `json:"restored"`
	Text     string `json:"text"`
}

type diffPayload struct {
	Segments []diff.Segment `json:"segments"`
}

type deletePayload struct {
	Deleted int64 `json:"deleted"`
}

type presencePayload struct {
	Presence map[string]sessions.Presence `json:"presence"`
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	summaries, err := h.history.ListVersions(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]versionSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		response = append(response, versionSummaryPayload{
			ID:           summary.ID.String(),
			CreatedAt:    summary.CreatedAt,
			SnapshotSize: summary.SizeBytes,
			Preview:      summary.Preview,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFetchVersion(c *gin.Context) {
	versionID, ok := h.versionID(c, "versionId")
	if !ok {
		return
	}
	version, err := h.history.FetchVersion(c.Request.Context(), versionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionSnapshotPayload{Snapshot: version.Snapshot.Bytes()})
}

func (h *httpHandler) handlePreviewVersion(c *gin.Context) {
	versionID, ok := h.versionID(c, "versionId")
	if !ok {
		return
	}
	preview, err := h.history.Preview(c.Request.Context(), versionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionPreviewPayload{
		ID:         preview.VersionID.String(),
		DocumentID: preview.DocumentID.String(),
		CreatedAt:  preview.CreatedAt,
		Text:       preview.Text,
	})
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	versionID, ok := h.versionID(c, "versionId")
	if !ok {
		return
	}
	result, err := h.history.Restore(c.Request.Context(), documentID, versionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, restorePayload{Restored: result.Restored, Text: result.Text})
}

func (h *httpHandler) handleDiffVersion(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	versionID, ok := h.versionID(c, "versionId")
	if !ok {
		return
	}
	var against *snapshots.VersionID
	if raw := strings.TrimSpace(c.Query("against")); raw != "" {
		parsed, err := snapshots.NewVersionID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_id"})
			return
		}
		against = &parsed
	}
	segments, err := h.history.Compare(c.Request.Context(), documentID, versionID, against)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, diffPayload{Segments: segments})
}

func (h *httpHandler) handleDeleteVersions(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	rule, err := parseRetentionRule(c.Query("keep"), c.Query("before"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_retention_rule", "code": err.Error()})
		return
	}
	deleted, err := h.history.Cleanup(c.Request.Context(), documentID, rule)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deletePayload{Deleted: deleted})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, presencePayload{Presence: h.registry.Presence(documentID)})
}

// parseRetentionRule requires at least one bound so a bare request cannot wipe a history.
func parseRetentionRule(rawKeep, rawBefore string) (snapshots.RetentionRule, error) {
	var rule snapshots.RetentionRule
	rawKeep = strings.TrimSpace(rawKeep)
	rawBefore = strings.TrimSpace(rawBefore)
	if rawKeep == "" && rawBefore == "" {
		return rule, errMissingRetentionBound
	}
	if rawKeep != "" {
		keep, err := strconv.Atoi(rawKeep)
		if err != nil || keep < 0 {
			return rule, errInvalidKeep
		}
		rule.KeepNewest = keep
	}
	if rawBefore != "" {
		before, err := time.Parse(time.RFC3339, rawBefore)
		if err != nil {
			return rule, errInvalidBefore
		}
		rule.CreatedBefore = before
	}
	return rule, nil
}
