package handler

import (
	"github.com/gin-gonic/gin"

	"subscribe-service/internal/model"
)

// gin context keys
const (
	ContextActor = "actor"
	ContextEmail = "email" // set once a login code is validated
	ContextCode  = "code"
)

// ActorFrom returns the actor set by the auth middleware, or the anonymous actor.
func ActorFrom(c *gin.Context) model.Actor {
	if v, ok := c.Get(ContextActor); ok {
		if actor, ok := v.(model.Actor); ok {
			return actor
		}
	}
	return model.Actor{}
}

// EmailFrom returns the email authenticated by a login code.
func EmailFrom(c *gin.Context) string {
	return c.GetString(ContextEmail)
}
