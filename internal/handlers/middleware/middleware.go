package middleware

import (
	"context"

	"catalogsync/config"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
)

type TokenValidator interface {
	Validate(ctx context.Context, token string) (*types.TokenInfo, error)
}

type Middleware struct {
	Config config.Config
	tokens TokenValidator
	log    logger.Logger
}

func New(config config.Config, tokens TokenValidator) Middleware {
	return Middleware{
		Config: config,
		tokens: tokens,
		log:    logger.New("middleware"),
	}
}
