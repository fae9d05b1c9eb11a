package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/flowd-io/flowd/dsl"
)

// jsonCodec carries request and reply messages as plain JSON so calls work
// against servers that registered a json codec, without compiled protobuf
// types on either side of the bridge.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if rm, ok := v.(json.RawMessage); ok {
		return rm, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if rm, ok := v.(*json.RawMessage); ok {
		*rm = append((*rm)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func init() { encoding.RegisterCodec(jsonCodec{}) }

// GRPC executes grpc call tasks. Connections are cached per authority and
// reused across calls; status codes map onto the workflow error taxonomy.
type GRPC struct {
	logger *slog.Logger
	tokens *tokenCache

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPC returns a caller that dials plaintext connections on demand.
func NewGRPC(logger *slog.Logger) *GRPC {
	return &GRPC{
		logger: logger.With("caller", "grpc"),
		tokens: newTokenCache(),
		conns:  map[string]*grpc.ClientConn{},
	}
}

// Invoke performs a unary call of with.service / with.method carrying
// with.arguments as the request message.
func (g *GRPC) Invoke(ctx context.Context, req *Request) (any, error) {
	service, authority, err := grpcTarget(req.With)
	if err != nil {
		return nil, err
	}
	method := stringArg(req.With, "method")
	if method == "" {
		return nil, configError("grpc call declares no method")
	}
	arguments := mapArg(req.With, "arguments")
	if arguments == nil {
		arguments = map[string]any{}
	}

	ctx, err = grpcAuthContext(ctx, req.Auth, g.tokens)
	if err != nil {
		return nil, err
	}
	conn, err := g.conn(authority)
	if err != nil {
		return nil, err
	}

	fullMethod := "/" + service + "/" + method
	g.logger.Debug("invoking", "authority", authority, "method", fullMethod)

	var reply json.RawMessage
	callErr := conn.Invoke(ctx, fullMethod, arguments, &reply, grpc.CallContentSubtype("json"))
	if callErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, grpcStatusError(callErr, authority, fullMethod)
	}
	if len(reply) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, communicationError("decoding reply of %s: %v", fullMethod, err)
	}
	return out, nil
}

// Close tears down every cached connection.
func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for authority, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing connection to %s: %w", authority, err)
		}
		delete(g.conns, authority)
	}
	return firstErr
}

func (g *GRPC) conn(authority string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[authority]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(authority, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, communicationError("dialing %s: %v", authority, err)
	}
	g.conns[authority] = conn
	return conn, nil
}

// grpcTarget accepts both target forms: a service object carrying name,
// host and port, or a bare service name plus an authority argument.
func grpcTarget(with map[string]any) (service, authority string, err error) {
	switch svc := with["service"].(type) {
	case string:
		service = svc
		authority = stringArg(with, "authority")
	case map[string]any:
		service, _ = svc["name"].(string)
		host, _ := svc["host"].(string)
		if host != "" {
			authority = host
			if port, ok := svc["port"]; ok {
				authority = fmt.Sprintf("%s:%v", host, port)
			}
		}
	}
	if service == "" {
		return "", "", configError("grpc call declares no service name")
	}
	if authority == "" {
		return "", "", configError("grpc call declares no authority for service %s", service)
	}
	return service, authority, nil
}

// grpcAuthContext attaches credentials as request metadata.
func grpcAuthContext(ctx context.Context, auth *Auth, tokens *tokenCache) (context.Context, error) {
	if auth == nil {
		return ctx, nil
	}
	switch auth.Scheme {
	case "basic":
		raw := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Basic "+raw), nil
	case "bearer":
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+auth.Token), nil
	case "oauth2":
		token, err := tokens.token(auth.OAuth2)
		if err != nil {
			return nil, err
		}
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token.AccessToken), nil
	default:
		return nil, configError("unsupported authentication scheme %q", auth.Scheme)
	}
}

// grpcStatusError converts a status code into a classified workflow error
// carrying the equivalent HTTP status.
func grpcStatusError(err error, authority, fullMethod string) *dsl.Error {
	st, ok := status.FromError(err)
	if !ok {
		return communicationError("calling %s on %s: %v", fullMethod, authority, err)
	}
	detail := fmt.Sprintf("%s on %s returned %s: %s", fullMethod, authority, st.Code(), st.Message())
	httpStatus := grpcHTTPStatus(st.Code())
	switch st.Code() {
	case codes.Unauthenticated:
		e := dsl.NewError(dsl.ErrorTypeAuthentication, httpStatus, detail)
		e.Title = "Authentication Error"
		return e
	case codes.PermissionDenied:
		e := dsl.NewError(dsl.ErrorTypeAuthorization, httpStatus, detail)
		e.Title = "Authorization Error"
		return e
	case codes.DeadlineExceeded:
		e := dsl.NewError(dsl.ErrorTypeTimeout, httpStatus, detail)
		e.Title = "Timeout Error"
		return e
	default:
		e := dsl.NewError(dsl.ErrorTypeCommunication, httpStatus, detail)
		e.Title = "Communication Error"
		return e
	}
}

func grpcHTTPStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Canceled:
		return 499
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
