package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/gin-gonic/gin"
)

type createSchemePayload struct {
	Name    string               `json:"name"`
	CarMake string               `json:"car_make"`
	Guide   *schemes.SchemeGuide `json:"guide,omitempty"`
	Public  bool                 `json:"public"`
}

type clonePayload struct {
	Name string `json:"name"`
}

type reorderPayload struct {
	Order []schemes.LayerPosition `json:"order"`
}

type sharePayload struct {
	Level string `json:"level"`
}

func bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}

func (h *httpHandler) handleCreateScheme(c *gin.Context) {
	var request createSchemePayload
	if !bindJSON(c, &request) {
		return
	}
	state, err := h.engine.CreateScheme(c.Request.Context(), identityFrom(c), schemes.NewScheme{
		Name:    request.Name,
		CarMake: request.CarMake,
		Guide:   request.Guide,
		Public:  request.Public,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *httpHandler) handleSchemeState(c *gin.Context) {
	state, err := h.engine.SchemeState(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleSchemePatch(c *gin.Context) {
	var patch schemes.SchemePatch
	if !bindJSON(c, &patch) {
		return
	}
	applied, err := h.engine.RequestSchemeMutation(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleSchemeDelete(c *gin.Context) {
	applied, err := h.engine.RequestSchemeDelete(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleSchemeClone(c *gin.Context) {
	var request clonePayload
	if c.Request.ContentLength != 0 && !bindJSON(c, &request) {
		return
	}
	state, err := h.engine.RequestClone(c.Request.Context(), identityFrom(c), c.Param("id"), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *httpHandler) handleLayerCreate(c *gin.Context) {
	var request schemes.NewLayer
	if !bindJSON(c, &request) {
		return
	}
	applied, err := h.engine.RequestLayerCreate(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, applied)
}

func (h *httpHandler) handleLayerPatch(c *gin.Context) {
	var patch schemes.LayerPatch
	if !bindJSON(c, &patch) {
		return
	}
	patch.SchemeID = c.Param("id")
	applied, err := h.engine.RequestLayerMutation(c.Request.Context(), identityFrom(c), originSession(c), c.Param("layerID"), patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleLayerDelete(c *gin.Context) {
	applied, err := h.engine.RequestLayerDelete(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"), c.Param("layerID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleLayerReorder(c *gin.Context) {
	var request reorderPayload
	if !bindJSON(c, &request) {
		return
	}
	applied, err := h.engine.RequestLayerReorder(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"), request.Order)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleShareChange(c *gin.Context) {
	var request sharePayload
	if !bindJSON(c, &request) {
		return
	}
	level, err := schemes.ParseShareLevel(request.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "unknown_level"})
		return
	}
	applied, err := h.engine.RequestShareChange(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"), c.Param("userID"), level)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleShareDelete(c *gin.Context) {
	applied, err := h.engine.RequestShareDelete(c.Request.Context(), identityFrom(c), originSession(c), c.Param("id"), c.Param("userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleShareAccept(c *gin.Context) {
	applied, err := h.engine.AcceptShare(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, applied)
}

func (h *httpHandler) handleFavorites(c *gin.Context) {
	favorites, err := h.engine.Favorites(c.Request.Context(), identityFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, favorites)
}

func (h *httpHandler) handleFavoriteAdd(c *gin.Context) {
	kind, err := schemes.ParseFavoriteKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err := h.engine.AddFavorite(c.Request.Context(), identityFrom(c), kind, c.Param("targetID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFavoriteRemove(c *gin.Context) {
	kind, err := schemes.ParseFavoriteKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err := h.engine.RemoveFavorite(c.Request.Context(), identityFrom(c), kind, c.Param("targetID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAdminSessions(c *gin.Context) {
	overview, err := h.engine.AdminSessions(c.Request.Context(), identityFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *httpHandler) handleAdminDisconnect(c *gin.Context) {
	evicted, err := h.engine.AdminEvictUser(c.Request.Context(), identityFrom(c), c.Param("userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": evicted})
}

