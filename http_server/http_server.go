package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/icedb"
	"github.com/danthegoodman1/icepart/metrics"
	"github.com/danthegoodman1/icepart/utils"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

var logger = gologger.NewComponentLogger("http")

type HTTPServer struct {
	Echo *echo.Echo
	DB   *icedb.IceDB
}

type CustomValidator struct {
	validator *validator.Validate
}

// NewHTTPServer builds the router without listening.
func NewHTTPServer(db *icedb.IceDB) *HTTPServer {
	s := &HTTPServer{
		Echo: echo.New(),
		DB:   db,
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.JSONSerializer = &utils.NoEscapeJSONSerializer{}

	s.Echo.Use(CreateReqContext)
	s.Echo.Use(LoggerMiddleware)
	s.Echo.Use(middleware.CORS())
	s.Echo.Validator = &CustomValidator{validator: validator.New()}

	// technical - no auth
	s.Echo.GET("/hc", s.HealthCheck)
	s.Echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	tables := s.Echo.Group("/tables")
	tables.POST("", ccHandler(s.CreateTable))
	tables.GET("", ccHandler(s.ListTables))
	tables.GET("/:table", ccHandler(s.GetTable))
	tables.DELETE("/:table", ccHandler(s.DropTable))
	tables.POST("/:table/alter", ccHandler(s.AlterTable))
	tables.GET("/:table/parts", ccHandler(s.ListParts))
	tables.GET("/:table/detached", ccHandler(s.ListDetached))
	tables.GET("/:table/check", ccHandler(s.CheckTable))

	tables.POST("/:table/insert", ccHandler(s.InsertHandler))
	tables.GET("/:table/select", ccHandler(s.SelectHandler))
	tables.GET("/:table/count", ccHandler(s.CountHandler))
	tables.GET("/:table/sum/:column", ccHandler(s.SumHandler))
	tables.POST("/:table/merge", ccHandler(s.MergeHandler))

	tables.POST("/:table/freeze", ccHandler(s.FreezeHandler))
	tables.POST("/:table/attach", ccHandler(s.AttachHandler))
	tables.POST("/:table/detach", ccHandler(s.DetachHandler))

	s.Echo.GET("/shadow", ccHandler(s.ListEpochs))
	s.Echo.DELETE("/shadow/:epoch", ccHandler(s.UnfreezeHandler))

	return s
}

// StartHTTPServer listens on port and serves h2c in the background.
func StartHTTPServer(db *icedb.IceDB, port int) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("error creating tcp listener: %w", err)
	}
	s := NewHTTPServer(db)
	s.Echo.Listener = listener
	go func() {
		logger.Info().Msg("starting h2c server on " + listener.Addr().String())
		err := s.Echo.StartH2CServer("", &http2.Server{})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start h2c server, exiting")
		}
	}()

	return s, nil
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func ValidateRequest(c echo.Context, s interface{}) error {
	if err := c.Bind(s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(s); err != nil {
		return err
	}
	return nil
}

func (*HTTPServer) HealthCheck(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	return err
}

func LoggerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			// default handler
			c.Error(err)
		}
		stop := time.Since(start)
		logger := zerolog.Ctx(c.Request().Context())
		req := c.Request()
		res := c.Response()

		p := req.URL.Path
		if p == "" {
			p = "/"
		}

		cl := req.Header.Get(echo.HeaderContentLength)
		if cl == "" {
			cl = "0"
		}
		logger.Debug().Str("method", req.Method).Str("remote_ip", c.RealIP()).Str("req_uri", req.RequestURI).Str("handler_path", c.Path()).Str("path", p).Int("status", res.Status).Int64("latency_ns", int64(stop)).Str("protocol", req.Proto).Str("bytes_in", cl).Int64("bytes_out", res.Size).Msg("req recived")
		return nil
	}
}
