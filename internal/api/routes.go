package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"titan/internal/api/handlers"
	"titan/internal/api/middleware"
	"titan/internal/websocket"
	"titan/pkg/crypto"
	"titan/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Guard    handlers.Guard
	Operator handlers.Operator
	History  handlers.RejectionHistory // nil, если база отключена
	Hub      *websocket.Hub

	Credential     crypto.Credential
	CORSOrigins    []string
	OperatorPerMin int
	Logger         *utils.Logger
	DisableMetrics bool
}

// SetupRoutes настраивает все HTTP маршруты гейта
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET /status - режим, политика, счет, подписанты
//	├── GET /policy - активная политика и хеш
//	├── GET /positions - теневые позиции
//	├── /rejections/
//	│   ├── GET / - последние отклонения (память)
//	│   ├── GET /history - журнал из базы
//	│   ├── GET /stats - счетчики по кодам причин
//	│   └── GET /{commandID} - отклонение конкретной команды
//	└── /operator/ (basic auth + throttle)
//	    ├── POST /halt
//	    ├── POST /clear-halt
//	    └── POST /flatten
//
// /ws/events - WebSocket поток отклонений и переходов режима
// /metrics - Prometheus
// /health
//
// Middleware: Recovery, Logging, CORS для всех маршрутов,
// OperatorAuth и Throttle только для /operator.
func SetupRoutes(deps *Dependencies) *mux.Router {
	logger := deps.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("http")

	router := mux.NewRouter()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS(deps.CORSOrigins))

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps.Guard != nil {
		status := handlers.NewStatusHandler(deps.Guard)
		api.HandleFunc("/status", status.GetStatus).Methods("GET")
		api.HandleFunc("/policy", status.GetPolicy).Methods("GET")
		api.HandleFunc("/positions", status.GetPositions).Methods("GET")
		api.HandleFunc("/rejections", status.GetRecentRejections).Methods("GET")
	}

	// история регистрируется раньше /{commandID}, иначе "history" примут за id
	if deps.History != nil {
		history := handlers.NewRejectionHandler(deps.History)
		api.HandleFunc("/rejections/history", history.GetHistory).Methods("GET")
		api.HandleFunc("/rejections/stats", history.GetStats).Methods("GET")
		api.HandleFunc("/rejections/{commandID}", history.GetByCommand).Methods("GET")
	}

	if deps.Operator != nil {
		opHandler := handlers.NewOperatorHandler(deps.Operator, logger)
		throttle := middleware.NewThrottle(deps.OperatorPerMin)

		op := api.PathPrefix("/operator").Subrouter()
		op.Use(throttle.Middleware)
		op.Use(middleware.OperatorAuth(deps.Credential, logger))
		op.HandleFunc("/halt", opHandler.Halt).Methods("POST")
		op.HandleFunc("/clear-halt", opHandler.ClearHalt).Methods("POST")
		op.HandleFunc("/flatten", opHandler.Flatten).Methods("POST")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/events", deps.Hub.ServeWS)
	}

	if !deps.DisableMetrics {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
