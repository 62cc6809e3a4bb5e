package store

import "github.com/user/em2/internal/types"

var (
	_ types.UserTypeStore = (*Store)(nil)
	_ types.ActionLog     = (*Store)(nil)
)
