package node

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/core/uopool"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-uopool/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

// ErrorResp carries the ERC-4337 JSON-RPC error code of a rejected request
type ErrorResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type EntryPointsResp struct {
	ChainID     *big.Int         `json:"chainId"`
	EntryPoints []common.Address `json:"entryPoints"`
	Version     string           `json:"version"`
}

type AddOperationResp struct {
	UserOpHash common.Hash `json:"userOpHash"`
}

type OperationResp struct {
	UserOperation *userop.UserOperation `json:"userOperation"`
	EntryPoint    common.Address        `json:"entryPoint"`
}

type BundleResp struct {
	ID           string                  `json:"id"`
	EntryPoint   common.Address          `json:"entryPoint"`
	GasUsed      *big.Int                `json:"gasUsed"`
	UserOpHashes []common.Hash           `json:"userOpHashes"`
	Operations   []*userop.UserOperation `json:"operations"`
}

// FailedBundleReq reports a reverted bundle. OpIndex names the culprit when the revert
// was a FailedOp.
type FailedBundleReq struct {
	Reason  string `json:"reason"`
	OpIndex *int64 `json:"opIndex,omitempty"`
}

type SlashedResp struct {
	Evicted int `json:"evicted"`
}

type ReputationResp struct {
	uopool.Snapshot
	Status uopool.Status `json:"status"`
}

func (n *Node) startHttpServer() {
	if n.config == nil || n.config.HttpBindAddress == "" {
		n.logger.Info("HTTP server disabled: no http_bind_address configured")
		return
	}

	n.http = n.newHttpServer(n.config.SentryDsn != "")

	addr := n.config.HttpBindAddress
	n.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := n.http.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("HTTP server stopped", "address", addr, "error", err)
		}
	})
}

func (n *Node) newHttpServer(withSentry bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	// Sentry goes before Recover so panics are reported
	if withSentry {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if n.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1")
	v1.GET("/entrypoints", n.listEntryPoints)
	v1.GET("/fees", n.suggestFees)
	v1.POST("/entrypoints/:ep/ops", n.addOperation)
	v1.POST("/entrypoints/:ep/bundles", n.createBundle)
	v1.GET("/entrypoints/:ep/reputation", n.reputation)
	v1.POST("/entrypoints/:ep/reputation/:addr/slashed", n.entitySlashed)
	v1.GET("/ops/:hash", n.getOperation)
	v1.GET("/senders/:addr/ops", n.getOperationsBySender)
	v1.POST("/bundles/:id/included", n.bundleIncluded)
	v1.POST("/bundles/:id/failed", n.bundleFailed)

	return e
}

func invalidParams(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, &ErrorResp{Code: uopool.CodeInvalidParams, Message: msg})
}

// poolError maps a pool failure to its JSON-RPC code. Storage and chain failures are the
// node's fault, everything else is the caller's.
func (n *Node) poolError(c echo.Context, err error) error {
	status := http.StatusBadRequest
	var perr *uopool.Error
	if !errors.As(err, &perr) || perr.Kind == uopool.KindStorageFailure || perr.Code() == uopool.CodeInternal {
		status = http.StatusInternalServerError
		n.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, &ErrorResp{Code: uopool.ErrorCode(err), Message: err.Error()})
}

func addressParam(c echo.Context, name string) (common.Address, bool) {
	v := c.Param(name)
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func (n *Node) listEntryPoints(c echo.Context) error {
	return c.JSON(http.StatusOK, &HttpJsonResp[*EntryPointsResp]{
		Data: &EntryPointsResp{
			ChainID:     n.pool.ChainID(),
			EntryPoints: n.pool.EntryPoints(),
			Version:     version.Get(),
		},
	})
}

func (n *Node) suggestFees(c echo.Context) error {
	fees, err := n.pool.SuggestFees(c.Request().Context())
	if err != nil {
		return n.poolError(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*uopool.Fees]{Data: fees})
}

func (n *Node) addOperation(c echo.Context) error {
	ep, ok := addressParam(c, "ep")
	if !ok {
		return invalidParams(c, "invalid entry point address")
	}

	// decoded by hand: echo's binder would mix path params into a map target
	var param map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&param); err != nil || param == nil {
		return invalidParams(c, "request body must be a user operation object")
	}
	op, err := userop.DecodeRPC(param)
	if err != nil {
		return invalidParams(c, err.Error())
	}

	hash, err := n.pool.AddOperation(c.Request().Context(), op, ep)
	if err != nil {
		return n.poolError(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*AddOperationResp]{Data: &AddOperationResp{UserOpHash: hash}})
}

func (n *Node) getOperation(c echo.Context) error {
	raw := c.Param("hash")
	if len(common.FromHex(raw)) != common.HashLength {
		return invalidParams(c, "invalid user operation hash")
	}

	op, ep := n.pool.GetOperationByHash(common.HexToHash(raw))
	if op == nil {
		return c.JSON(http.StatusNotFound, &ErrorResp{Code: uopool.CodeInvalidParams, Message: "user operation not found"})
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*OperationResp]{Data: &OperationResp{UserOperation: op, EntryPoint: ep}})
}

func (n *Node) getOperationsBySender(c echo.Context) error {
	sender, ok := addressParam(c, "addr")
	if !ok {
		return invalidParams(c, "invalid sender address")
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[[]*userop.UserOperation]{Data: n.pool.GetOperationsBySender(sender)})
}

func (n *Node) createBundle(c echo.Context) error {
	ep, ok := addressParam(c, "ep")
	if !ok {
		return invalidParams(c, "invalid entry point address")
	}

	b, err := n.pool.CreateBundle(c.Request().Context(), ep)
	if err != nil {
		return n.poolError(c, err)
	}
	if b == nil {
		return c.NoContent(http.StatusNoContent)
	}

	return c.JSON(http.StatusOK, &HttpJsonResp[*BundleResp]{Data: &BundleResp{
		ID:           b.ID,
		EntryPoint:   b.EntryPoint,
		GasUsed:      b.GasUsed,
		UserOpHashes: b.Hashes(),
		Operations:   b.Operations(),
	}})
}

func (n *Node) bundleIncluded(c echo.Context) error {
	if err := n.pool.NotifyIncluded(c.Param("id")); err != nil {
		return n.settleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (n *Node) bundleFailed(c echo.Context) error {
	var req FailedBundleReq
	if err := c.Bind(&req); err != nil {
		return invalidParams(c, "request body must be {reason, opIndex}")
	}
	if req.OpIndex != nil && *req.OpIndex < 0 {
		return invalidParams(c, "opIndex must not be negative")
	}

	var reason error = errors.New(req.Reason)
	if req.OpIndex != nil {
		reason = &aa.FailedOpError{OpIndex: big.NewInt(*req.OpIndex), Reason: req.Reason}
	}

	if err := n.pool.NotifyFailed(c.Param("id"), reason); err != nil {
		return n.settleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (n *Node) settleError(c echo.Context, err error) error {
	if errors.Is(err, uopool.ErrBundleNotFound) {
		return c.JSON(http.StatusNotFound, &ErrorResp{Code: uopool.CodeInvalidParams, Message: err.Error()})
	}
	return n.poolError(c, err)
}

func (n *Node) reputation(c echo.Context) error {
	ep, ok := addressParam(c, "ep")
	if !ok {
		return invalidParams(c, "invalid entry point address")
	}
	pool, ok := n.pool.Pool(ep)
	if !ok {
		return c.JSON(http.StatusNotFound, &ErrorResp{Code: uopool.CodeInvalidParams, Message: "entry point is not supported"})
	}

	rep := pool.Reputation()
	return c.JSON(http.StatusOK, &HttpJsonResp[[]*ReputationResp]{
		Data: lo.Map(rep.All(), func(s uopool.Snapshot, _ int) *ReputationResp {
			return &ReputationResp{Snapshot: s, Status: rep.Status(s.Address)}
		}),
	})
}

func (n *Node) entitySlashed(c echo.Context) error {
	ep, ok := addressParam(c, "ep")
	if !ok {
		return invalidParams(c, "invalid entry point address")
	}
	addr, ok := addressParam(c, "addr")
	if !ok {
		return invalidParams(c, "invalid entity address")
	}

	evicted, err := n.pool.RecordSlashed(ep, addr)
	if err != nil {
		return n.poolError(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[*SlashedResp]{Data: &SlashedResp{Evicted: evicted}})
}
