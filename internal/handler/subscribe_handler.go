package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"subscribe-service/internal/digest"
	"subscribe-service/internal/model"
	"subscribe-service/internal/service/subscribe"
)

type SubscribeHandler struct {
	svc    *subscribe.Service
	site   digest.Site
	logger *zap.Logger
}

func NewSubscribeHandler(svc *subscribe.Service, site digest.Site, logger *zap.Logger) *SubscribeHandler {
	return &SubscribeHandler{svc: svc, site: site, logger: logger}
}

// objectRef 三选一：dataset / group / organization
type objectRef struct {
	Dataset      string `form:"dataset" json:"dataset"`
	Group        string `form:"group" json:"group"`
	Organization string `form:"organization" json:"organization"`
}

type signupForm struct {
	objectRef
	Email            string `form:"email" json:"email"`
	Frequency        string `form:"frequency" json:"frequency"`
	SkipVerification bool   `form:"skip_verification" json:"skip_verification"`
}

type objectView struct {
	Type  model.ObjectType `json:"type"`
	Name  string           `json:"name"`
	Title string           `json:"title"`
	Link  string           `json:"link"`
}

// Signup handles POST /subscribe/signup
func (h *SubscribeHandler) Signup(c *gin.Context) {
	var form signupForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.svc.Signup(c.Request.Context(), subscribe.SignupRequest{
		Email:            form.Email,
		DatasetRef:       form.Dataset,
		GroupRef:         form.Group,
		OrganizationRef:  form.Organization,
		Frequency:        form.Frequency,
		SkipVerification: form.SkipVerification,
	}, ActorFrom(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	message := "Subscription requested. Please confirm, by clicking in the link in the email just sent to you"
	if result.Subscription.Verified {
		message = "Subscription confirmed"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      message,
		"subscription": result.Subscription,
		"object": objectView{
			Type:  result.Object.Type,
			Name:  result.Object.Name,
			Title: result.Object.DisplayTitle(),
			Link:  h.site.ObjectURL(result.Object.Type, result.Object.Name),
		},
	})
}

// Verify handles GET /subscribe/verify?code=
// The response carries a login code so the client can go straight to manage.
func (h *SubscribeHandler) Verify(c *gin.Context) {
	view, loginCode, err := h.svc.Verify(c.Request.Context(), c.Query("code"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Subscription confirmed",
		"subscription": view,
		"code":         loginCode,
		"manage_url":   h.site.ManageURL(loginCode),
	})
}

// Manage handles GET /subscribe/manage?code=
func (h *SubscribeHandler) Manage(c *gin.Context) {
	email := EmailFrom(c)
	subs, err := h.svc.ListSubscriptions(c.Request.Context(), email, model.Actor{Email: email})
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"email":         email,
		"code":          c.GetString(ContextCode),
		"subscriptions": subs,
		"frequencies":   model.Frequencies(),
	})
}

type updateForm struct {
	ID        string `form:"id" json:"id"`
	Frequency string `form:"frequency" json:"frequency"`
}

// Update handles POST /subscribe/update?code=
func (h *SubscribeHandler) Update(c *gin.Context) {
	var form updateForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var frequency *model.Frequency
	if form.Frequency != "" {
		f, err := model.ParseFrequency(form.Frequency)
		if err != nil {
			RespondError(c, h.logger, err)
			return
		}
		frequency = &f
	}

	view, err := h.svc.Update(c.Request.Context(), form.ID, frequency, EmailFrom(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Subscription updated",
		"subscription": view,
	})
}

// Unsubscribe handles GET|POST /subscribe/unsubscribe?code=&dataset=
// GET is allowed so that the link in an email works.
func (h *SubscribeHandler) Unsubscribe(c *gin.Context) {
	var ref objectRef
	if err := c.ShouldBind(&ref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	name, objectType, err := h.svc.Unsubscribe(c.Request.Context(), EmailFrom(c), subscribe.UnsubscribeRequest{
		DatasetRef:      ref.Dataset,
		GroupRef:        ref.Group,
		OrganizationRef: ref.Organization,
	})
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     fmt.Sprintf("You are no longer subscribed to this %s", objectType),
		"object_name": name,
		"object_type": objectType,
		"object_link": h.site.ObjectURL(objectType, name),
	})
}

// UnsubscribeAll handles GET|POST /subscribe/unsubscribe-all?code=
func (h *SubscribeHandler) UnsubscribeAll(c *gin.Context) {
	deleted, err := h.svc.UnsubscribeAll(c.Request.Context(), EmailFrom(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       fmt.Sprintf("You are no longer subscribed to notifications from %s", h.site.Title),
		"unsubscribed":  len(deleted),
		"subscriptions": deleted,
	})
}

type requestCodeForm struct {
	Email string `form:"email" json:"email"`
}

// RequestManageCode handles GET|POST /subscribe/request_manage_code
// GET without an email only describes the form.
func (h *SubscribeHandler) RequestManageCode(c *gin.Context) {
	var form requestCodeForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if c.Request.Method == http.MethodGet && form.Email == "" {
		c.JSON(http.StatusOK, gin.H{"message": "Enter your email address to receive a link to manage your subscriptions"})
		return
	}

	if err := h.svc.RequestManagementCode(c.Request.Context(), form.Email); err != nil {
		RespondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("An access link has been emailed to: %s", model.NormalizeEmail(form.Email)),
	})
}
