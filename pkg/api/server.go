package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearhouse/pkg/amm"
	"github.com/uhyunpark/clearhouse/pkg/app/clearinghouse"
	"github.com/uhyunpark/clearhouse/pkg/app/core/ledger"
	"github.com/uhyunpark/clearhouse/pkg/app/core/market"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/crypto"
	"github.com/uhyunpark/clearhouse/pkg/fixedpoint"
	"github.com/uhyunpark/clearhouse/pkg/metrics"
	"github.com/uhyunpark/clearhouse/pkg/util"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
	maxBodyBytes       = 64 << 10
)

type Config struct {
	CORSOrigins []string
	// RequireSignatures rejects unsigned POST /positions. Signatures that are
	// present are always checked.
	RequireSignatures bool
	Domain            crypto.EIP712Domain
	ShutdownTimeout   time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   util.Clock
}

// Server handles REST API and WebSocket connections
type Server struct {
	ch      *clearinghouse.ClearingHouse
	router  *mux.Router
	hub     *Hub
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   util.Clock

	eip712            *crypto.EIP712Signer
	requireSignatures bool
	corsOrigins       []string
	shutdownTimeout   time.Duration
}

// NewServer builds the router and subscribes to settled trades for WebSocket pushes
func NewServer(ch *clearinghouse.ClearingHouse, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	domain := cfg.Domain
	if domain.ChainID == nil {
		domain = crypto.DefaultDomain()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Server{
		ch:                ch,
		router:            mux.NewRouter(),
		hub:               NewHub(log, cfg.Metrics),
		log:               log,
		metrics:           cfg.Metrics,
		clock:             clock,
		eip712:            crypto.NewEIP712Signer(domain),
		requireSignatures: cfg.RequireSignatures,
		corsOrigins:       cfg.CORSOrigins,
		shutdownTimeout:   timeout,
	}

	s.setupRoutes()
	ch.OnTrade(s.broadcastTrade)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/pnl", s.handleGetPnl).Methods("GET")
	api.HandleFunc("/accounts/{address}/pnl/{symbol}", s.handleGetMarketPnl).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	// Trade submission
	api.HandleFunc("/positions", s.handleOpenPosition).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler is the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then drains connections
func (s *Server) Run(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("api_listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("api_stopped")
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) marketInfo(m *market.Market) MarketInfo {
	info := MarketInfo{
		Symbol:        m.Symbol,
		BaseAsset:     m.BaseAsset,
		QuoteAsset:    m.QuoteAsset,
		Type:          m.Type.String(),
		Status:        m.Status.String(),
		BaseDecimals:  m.BaseDecimals,
		QuoteDecimals: m.QuoteDecimals,
		FeePips:       m.FeePips,
		TickSpacing:   m.TickSpacing,
		LaunchedAt:    m.LaunchedAt.UnixMilli(),
	}
	if st, err := s.ch.PoolState(m.Symbol); err == nil {
		info.Initialized = !st.SqrtPriceX96.IsZero()
		if info.Initialized {
			info.SqrtPriceX96 = st.SqrtPriceX96
		}
		info.Tick = st.Tick
		info.Liquidity = st.Liquidity
	}
	if mark, err := s.ch.GetMarkPrice(m.Symbol); err == nil {
		info.MarkPrice = mark.Price
	}
	return info
}

// handleGetMarkets lists every market, or with ?status=active only the tradable ones
func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	var markets []*market.Market
	switch status := r.URL.Query().Get("status"); strings.ToLower(status) {
	case "":
		markets = s.ch.Markets()
	case "active":
		markets = s.ch.ActiveMarkets()
	default:
		respondError(w, http.StatusBadRequest, "invalid status filter", status)
		return
	}

	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = s.marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.ch.Market(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.marketInfo(m))
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	m, err := s.ch.Market(symbol)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	mark, err := s.ch.GetMarkPrice(symbol)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	response := PriceInfo{
		Symbol:       m.Symbol,
		SqrtPriceX96: mark.SqrtPriceX96,
		MarkPrice:    mark.Price,
		Display:      wad(mark.Price),
		Timestamp:    s.clock.Now().UnixMilli(),
	}
	// the index is informational here, a missing feed or quote is not an error
	if index, err := s.ch.GetIndexPrice(r.Context(), symbol); err == nil {
		response.IndexPrice = index
	}
	respondJSON(w, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, err := s.ch.Market(symbol); err != nil {
		s.respondErr(w, err)
		return
	}

	limit := defaultTradesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.ch.RecentTrades(symbol, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if trades == nil {
		trades = []clearinghouse.TradeReceipt{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}

	total, lines, err := s.ch.GetPnlBreakdown(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var realized fixedpoint.Accumulator
	markets := make([]string, len(lines))
	for i, l := range lines {
		markets[i] = l.Market
		realized.Add(l.Position.RealizedPnl)
	}
	realizedTotal, err := realized.Result()
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, AccountInfo{
		Address:            addr.Hex(),
		Collateral:         s.ch.GetCollateral(addr),
		CollateralDecimals: s.ch.CollateralDecimals(),
		UnrealizedPnl:      total,
		RealizedPnl:        realizedTotal,
		Markets:            markets,
	})
}

func (s *Server) handleGetPnl(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}

	total, lines, err := s.ch.GetPnlBreakdown(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, AccountPnl{
		Address: addr.Hex(),
		Total:   total,
		Display: total.Decimal(fixedpoint.WadDecimals).String(),
		Markets: lines,
	})
}

func (s *Server) handleGetMarketPnl(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	if _, err := s.ch.Market(symbol); err != nil {
		s.respondErr(w, err)
		return
	}

	pnl, err := s.ch.GetMarketPnl(addr, symbol)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, MarketPnlInfo{
		Address: addr.Hex(),
		Market:  symbol,
		Pnl:     pnl,
		Display: pnl.Decimal(fixedpoint.WadDecimals).String(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}

	_, lines, err := s.ch.GetPnlBreakdown(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	// closed positions are skipped, their realized PnL shows on the account
	positions := make([]PositionInfo, 0, len(lines))
	for _, l := range lines {
		if l.Position.IsFlat() {
			continue
		}
		positions = append(positions, PositionInfo{
			Symbol:        l.Market,
			Size:          l.Position.Size,
			CostBasis:     l.Position.CostBasis,
			RealizedPnl:   l.Position.RealizedPnl,
			MarkPrice:     l.MarkPrice,
			UnrealizedPnl: l.Pnl,
			Display:       l.Pnl.Decimal(fixedpoint.WadDecimals).String(),
		})
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusInfo{
		Seq:       s.ch.Seq(),
		StateHash: s.ch.StateHash().Hex(),
		Markets:   len(s.ch.Markets()),
	})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if !common.IsHexAddress(req.Trader) {
		respondError(w, http.StatusBadRequest, "invalid trader address", req.Trader)
		return
	}
	trader := common.HexToAddress(req.Trader)

	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil || amount.IsZero() {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	var limit *uint256.Int
	if req.SqrtPriceLimitX96 != "" {
		if limit, err = uint256.FromDecimal(req.SqrtPriceLimitX96); err != nil {
			respondError(w, http.StatusBadRequest, "invalid sqrtPriceLimitX96", req.SqrtPriceLimitX96)
			return
		}
		if limit.IsZero() {
			limit = nil
		}
	}
	if req.Deadline != 0 && s.clock.Now().Unix() > req.Deadline {
		respondError(w, http.StatusBadRequest, "request expired", strconv.FormatInt(req.Deadline, 10))
		return
	}

	if req.Signature != "" || s.requireSignatures {
		if err := s.verify(&req, trader, amount, limit); err != nil {
			respondError(w, http.StatusUnauthorized, "invalid signature", err.Error())
			return
		}
	}
	// consumed before the trade runs, a rejected trade still burns its nonce
	if err := s.ch.UseNonce(trader, req.Nonce); err != nil {
		if errors.Is(err, clearinghouse.ErrNonceUsed) {
			respondError(w, http.StatusConflict, "nonce already used", strconv.FormatUint(req.Nonce, 10))
			return
		}
		s.respondErr(w, err)
		return
	}

	receipt, err := s.ch.OpenPosition(trader, clearinghouse.OpenPositionParams{
		BaseToken:         req.BaseToken,
		IsBaseToQuote:     req.IsBaseToQuote,
		IsExactInput:      req.IsExactInput,
		Amount:            amount,
		SqrtPriceLimitX96: limit,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, receipt)
}

// verify checks that req is signed by trader
func (s *Server) verify(req *OpenPositionRequest, trader common.Address, amount, limit *uint256.Int) error {
	sig, err := crypto.DecodeSignature(req.Signature)
	if err != nil {
		return err
	}
	msg := &crypto.OpenPositionEIP712{
		Trader:        trader,
		BaseToken:     req.BaseToken,
		IsBaseToQuote: req.IsBaseToQuote,
		IsExactInput:  req.IsExactInput,
		Amount:        amount.ToBig(),
		Nonce:         new(big.Int).SetUint64(req.Nonce),
		Deadline:      big.NewInt(req.Deadline),
	}
	if limit != nil {
		msg.SqrtPriceLimitX96 = limit.ToBig()
	}

	signer, err := s.eip712.RecoverOpenPositionSigner(msg, sig)
	if err != nil {
		return err
	}
	if signer != trader {
		return errors.New("signer " + signer.Hex() + " is not the trader")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast
// ==============================

// broadcastTrade runs as a clearing house trade hook
func (s *Server) broadcastTrade(t clearinghouse.TradeReceipt) {
	s.hub.BroadcastToChannel("trades:"+t.Market, TradeUpdate{
		Type:       "trade",
		ID:         t.ID.String(),
		Seq:        t.Seq,
		Symbol:     t.Market,
		Trader:     t.Trader.Hex(),
		DeltaSize:  t.DeltaSize,
		DeltaQuote: t.DeltaQuote,
		MarkPrice:  t.MarkPrice,
		Timestamp:  t.Timestamp.UnixMilli(),
	})
	s.hub.BroadcastToChannel("price:"+t.Market, PriceUpdate{
		Type:         "price",
		Seq:          t.Seq,
		Symbol:       t.Market,
		SqrtPriceX96: t.SqrtPriceX96,
		MarkPrice:    t.MarkPrice,
	})
	s.hub.BroadcastToChannel(accountChannel(t.Trader), PositionUpdate{
		Type:     "position",
		Seq:      t.Seq,
		Address:  t.Trader.Hex(),
		Symbol:   t.Market,
		Kind:     t.Kind,
		Realized: t.Realized,
		Position: t.Position,
	})
}

// account channels use the lower-case hex address so clients need not checksum
func accountChannel(addr common.Address) string {
	return "account:" + common.Bytes2Hex(addr.Bytes())
}

// ==============================
// Helper Functions
// ==============================

func parseAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	s := mux.Vars(r)["address"]
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// wad renders an 18-decimal value as a human decimal
func wad(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	a, err := fixedpoint.AmountFromMagnitude(v, false)
	if err != nil {
		return v.Dec()
	}
	return a.Decimal(fixedpoint.WadDecimals).String()
}

// statusFor maps domain errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrMarketNotFound),
		errors.Is(err, clearinghouse.ErrUnknownBaseToken):
		return http.StatusNotFound
	case errors.Is(err, clearinghouse.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTradeDelta),
		errors.Is(err, amm.ErrZeroAmount),
		errors.Is(err, amm.ErrSqrtPriceLimit),
		errors.Is(err, amm.ErrSqrtPriceOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, clearinghouse.ErrMarketNotTradable),
		errors.Is(err, oracle.ErrMarketNotInitialized),
		errors.Is(err, amm.ErrPoolNotInitialized),
		errors.Is(err, amm.ErrInsufficientLiquidity),
		errors.Is(err, clearinghouse.ErrInsufficientCollateral),
		errors.Is(err, fixedpoint.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", zap.Error(err))
		respondError(w, status, "internal error", "")
		return
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
