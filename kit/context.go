package kit

import "context"

// Context keys stay unexported; identity travels through the With*/Get*
// accessors only.
type ctxKey string

const (
	ctxOrg       ctxKey = "ghostwork/org"
	ctxUser      ctxKey = "ghostwork/user"
	ctxDevice    ctxKey = "ghostwork/device"
	ctxRequestID ctxKey = "ghostwork/request_id"
	ctxTransport ctxKey = "ghostwork/transport" // "http", "mcp"
	ctxRole      ctxKey = "ghostwork/role"      // "" or "service"
)

// RoleService marks a context as carrying the service role, which permits
// tenant-unscoped reads (e.g. the executor loading a ghost by bare ID).
const RoleService = "service"

func str(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithOrgID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxOrg, id)
}
func GetOrgID(ctx context.Context) string { return str(ctx, ctxOrg) }

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUser, id)
}
func GetUserID(ctx context.Context) string { return str(ctx, ctxUser) }

func WithDevice(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, ctxDevice, fp)
}
func GetDevice(ctx context.Context) string { return str(ctx, ctxDevice) }

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}
func GetRequestID(ctx context.Context) string { return str(ctx, ctxRequestID) }

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, ctxTransport, t)
}

// GetTransport defaults to "http": HTTP handlers don't tag the context,
// only the MCP surfaces do.
func GetTransport(ctx context.Context) string {
	if v := str(ctx, ctxTransport); v != "" {
		return v
	}
	return "http"
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxRole, role)
}
func GetRole(ctx context.Context) string { return str(ctx, ctxRole) }

// IsService reports whether ctx carries the service role.
func IsService(ctx context.Context) bool {
	return GetRole(ctx) == RoleService
}
