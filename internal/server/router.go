package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/folioworks/folio/internal/branches"
	"github.com/folioworks/folio/internal/identity"
	"github.com/folioworks/folio/internal/room"
)

const (
	userIDContextKey      = "folio_user_id"
	displayNameContextKey = "folio_display_name"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingBranchService = errors.New("branch service dependency required")
	errMissingRoomRegistry  = errors.New("room registry dependency required")
	errMissingIdentity      = errors.New("identity service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the user id and display
// name they carry.
type TokenValidator interface {
	ValidateToken(token string) (string, string, error)
}

// Dependencies wires the HTTP surface to the collaborative core.
type Dependencies struct {
	TokenManager TokenValidator
	Identity     *identity.Service
	Branches     *branches.Service
	Rooms        *room.Registry
	Logger       *zap.Logger
}

// NewHTTPHandler builds the router: branch management under /articles and
// /branches, and the websocket sync endpoint under /rooms.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.Branches == nil {
		return nil, errMissingBranchService
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomRegistry
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		identity: deps.Identity,
		branches: deps.Branches,
		rooms:    deps.Rooms,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/articles/:articleId/branches", handler.handleListBranches)
	protected.POST("/articles/:articleId/branches", handler.handleCreateBranch)
	protected.GET("/branches/:branchId", handler.handleGetBranch)
	protected.DELETE("/branches/:branchId", handler.handleDeleteBranch)
	protected.POST("/branches/:branchId/merge", handler.handleMergeBranch)
	protected.GET("/branches/:branchId/versions", handler.handleListVersions)
	protected.POST("/articles/:articleId/branches/:branchId/save", handler.handleSaveRoom)
	protected.GET("/rooms/:articleId/:branchId/sync", handler.handleRoomSync)

	return router, nil
}

type httpHandler struct {
	tokens   TokenValidator
	identity *identity.Service
	branches *branches.Service
	rooms    *room.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type branchPayload struct {
	ID           string           `json:"id"`
	ArticleID    string           `json:"article_id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	IsDefault    bool             `json:"is_default"`
	IsMerged     bool             `json:"is_merged"`
	MergedInto   string           `json:"merged_into,omitempty"`
	CreatedBy    string           `json:"created_by"`
	CreatedAt    int64            `json:"created_at_s"`
	UpdatedAt    int64            `json:"updated_at_s"`
	VersionCount int64            `json:"version_count"`
	Versions     []versionPayload `json:"versions,omitempty"`
}

type versionPayload struct {
	ID        string `json:"id"`
	BranchID  string `json:"branch_id"`
	Number    int64  `json:"number"`
	Content   string `json:"content"`
	AuthorID  string `json:"author_id"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt int64  `json:"created_at_s"`
}

type createBranchRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	BaseBranchID string `json:"base_branch_id"`
}

type mergeBranchRequest struct {
	TargetBranchID string `json:"target_branch_id"`
}

type saveRoomRequest struct {
	Summary string `json:"summary"`
}

func (h *httpHandler) handleListBranches(c *gin.Context) {
	articleID, err := branches.NewArticleID(c.Param("articleId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_article_id"})
		return
	}
	list, err := h.branches.ListBranches(c.Request.Context(), articleID)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	payload := make([]branchPayload, 0, len(list))
	for _, branch := range list {
		payload = append(payload, toBranchPayload(branch))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleCreateBranch(c *gin.Context) {
	articleID, err := branches.NewArticleID(c.Param("articleId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_article_id"})
		return
	}
	var request createBranchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	createdBy, err := branches.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	branch, err := h.branches.CreateBranch(c.Request.Context(), branches.CreateBranchParams{
		ArticleID:    articleID,
		Name:         request.Name,
		Description:  request.Description,
		BaseBranchID: branches.BranchID(strings.TrimSpace(request.BaseBranchID)),
		CreatedBy:    createdBy,
	})
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBranchPayload(branch))
}

func (h *httpHandler) handleGetBranch(c *gin.Context) {
	branchID, err := branches.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	includeVersions := c.Query("include_versions") == "true"
	branch, err := h.branches.GetBranch(c.Request.Context(), branchID, includeVersions)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBranchPayload(branch))
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	branchID, err := branches.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	if err := h.branches.DeleteBranch(c.Request.Context(), branchID); err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMergeBranch(c *gin.Context) {
	sourceID, err := branches.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	var request mergeBranchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	targetID, err := branches.NewBranchID(request.TargetBranchID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target_branch_id"})
		return
	}
	mergedBy, err := branches.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	version, err := h.branches.MergeBranch(c.Request.Context(), sourceID, targetID, mergedBy)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(version))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	branchID, err := branches.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	versions, err := h.branches.ListVersions(c.Request.Context(), branchID)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, toVersionPayload(version))
	}
	c.JSON(http.StatusOK, payload)
}

// handleSaveRoom persists the open room's current content as a new version
// on its branch. Saving is the explicit boundary between the live replica
// and durable history; the replica layer itself never writes versions.
func (h *httpHandler) handleSaveRoom(c *gin.Context) {
	branchID, err := branches.NewBranchID(c.Param("branchId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	authorID, err := branches.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request saveRoomRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		request.Summary = ""
	}

	activeRoom, ok := h.rooms.Lookup(c.Param("articleId"), c.Param("branchId"))
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no_open_room"})
		return
	}

	version, err := h.branches.AppendVersion(c.Request.Context(), branchID, activeRoom.Content(), authorID, request.Summary)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(version))
}

// handleRoomSync upgrades the connection and joins the caller to the room
// for the (article, branch) pair. The cursor query parameter is the number
// of operations the client has already seen; catch-up replays the rest.
func (h *httpHandler) handleRoomSync(c *gin.Context) {
	articleID := strings.TrimSpace(c.Param("articleId"))
	branchID := strings.TrimSpace(c.Param("branchId"))
	if articleID == "" || branchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return
	}

	user, err := h.identity.Resolve(c.GetString(userIDContextKey), c.GetString(displayNameContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	cursor := 0
	if raw := c.Query("cursor"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
			cursor = parsed
		}
	}

	activeRoom, err := h.rooms.Acquire(c.Request.Context(), articleID, branchID)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.rooms.Release(activeRoom)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := strings.TrimSpace(c.Query("connection_id"))
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	client := room.NewClient(room.ClientConfig{
		ConnectionID: connectionID,
		Room:         activeRoom,
		Conn:         conn,
		User:         user,
		Cursor:       cursor,
		OnClose:      func() { h.rooms.Release(activeRoom) },
		Logger:       h.logger,
	})
	client.Start()
}

// authorizeRequest accepts a bearer token from the Authorization header or,
// for websocket requests that cannot set headers, the access_token query
// parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, displayName, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Set(displayNameContextKey, displayName)
	c.Next()
}

func (h *httpHandler) respondDomainError(c *gin.Context, err error) {
	var validationErr *branches.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Reason()})
		return
	}
	var conflictErr *branches.ConflictError
	if errors.As(err, &conflictErr) {
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Reason()})
		return
	}
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func toBranchPayload(branch branches.Branch) branchPayload {
	payload := branchPayload{
		ID:           branch.ID.String(),
		ArticleID:    branch.ArticleID.String(),
		Name:         branch.Name,
		Description:  branch.Description,
		IsDefault:    branch.IsDefault,
		CreatedBy:    branch.CreatedBy.String(),
		CreatedAt:    branch.CreatedAt.Unix(),
		UpdatedAt:    branch.UpdatedAt.Unix(),
		VersionCount: branch.VersionCount,
	}
	if target, merged := branch.Status.MergedInto(); merged {
		payload.IsMerged = true
		payload.MergedInto = target.String()
	}
	for _, version := range branch.Versions {
		payload.Versions = append(payload.Versions, toVersionPayload(version))
	}
	return payload
}

func toVersionPayload(version branches.Version) versionPayload {
	return versionPayload{
		ID:        version.ID,
		BranchID:  version.BranchID.String(),
		Number:    version.Number,
		Content:   version.Content,
		AuthorID:  version.AuthorID.String(),
		Summary:   version.Summary,
		CreatedAt: version.CreatedAt.Unix(),
	}
}
