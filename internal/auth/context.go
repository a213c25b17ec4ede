// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	scopeKey    contextKey = "scope"
	deviceIDKey contextKey = "device_id"
)

// SetScope sets the owning user (scope) of the request in the context
func SetScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// GetScope retrieves the owning user (scope) from the context
func GetScope(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(scopeKey).(string)
	return scope, ok && scope != ""
}

// SetDeviceID sets the calling device in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the calling device from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetAuthContext sets both scope and device in context
func SetAuthContext(ctx context.Context, scope, deviceID string) context.Context {
	ctx = SetScope(ctx, scope)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}
