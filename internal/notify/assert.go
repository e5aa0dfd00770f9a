package notify

import "github.com/wafguard/wafguard/internal/ban"

var _ ban.Dispatcher = (*Dispatcher)(nil)
