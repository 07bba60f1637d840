package facets

// Unit names a modular contract unit (facet) installed on every order book.
type Unit string

// Order book units, in installation order.
const (
	UnitPricing        Unit = "pricing"
	UnitOrderPlacement Unit = "order_placement"
	UnitTradeExecution Unit = "trade_execution"
	UnitLiquidation    Unit = "liquidation"
	UnitView           Unit = "view"
	UnitSettlement     Unit = "settlement"
	UnitVaultAdmin     Unit = "vault_admin"
	UnitLifecycle      Unit = "lifecycle"
	UnitMetaTrade      Unit = "meta_trade"
)

// Units lists every unit in installation order.
var Units = []Unit{
	UnitPricing,
	UnitOrderPlacement,
	UnitTradeExecution,
	UnitLiquidation,
	UnitView,
	UnitSettlement,
	UnitVaultAdmin,
	UnitLifecycle,
	UnitMetaTrade,
}

// ContractName is the compiled artifact name of each unit.
var ContractName = map[Unit]string{
	UnitPricing:        "OBPricingFacet",
	UnitOrderPlacement: "OBOrderPlacementFacet",
	UnitTradeExecution: "OBTradeExecutionFacet",
	UnitLiquidation:    "OBLiquidationFacet",
	UnitView:           "OBViewFacet",
	UnitSettlement:     "OBSettlementFacet",
	UnitVaultAdmin:     "OrderBookVaultAdminFacet",
	UnitLifecycle:      "MarketLifecycleFacet",
	UnitMetaTrade:      "MetaTradeFacet",
}

// fallbackSignatures are the canonical signatures used when no compiled
// artifact is available for a unit.
var fallbackSignatures = map[Unit][]string{
	UnitPricing: {
		"calculateMarkPrice()",
		"getBestPrices()",
		"getLastTradePrice()",
		"getMidPrice()",
		"getOrderBookDepth(uint256)",
		"getSpread()",
	},
	UnitOrderPlacement: {
		"cancelOrder(uint256)",
		"modifyOrder(uint256,uint256,uint256)",
		"placeLimitOrder(uint256,uint256,bool)",
		"placeMarginLimitOrder(uint256,uint256,bool)",
		"placeMarginMarketOrder(uint256,bool)",
		"placeMarginMarketOrderWithSlippage(uint256,bool,uint256)",
		"placeMarketOrder(uint256,bool)",
		"placeMarketOrderWithSlippage(uint256,bool,uint256)",
	},
	UnitTradeExecution: {
		"getAllTrades(uint256,uint256)",
		"getRecentTrades(uint256)",
		"getTradeById(uint256)",
		"getTradeStatistics()",
		"getUserTrades(address,uint256,uint256)",
	},
	UnitLiquidation: {
		"isUnderLiquidationPosition(address)",
		"pokeLiquidations()",
		"pokeLiquidationsMulti(uint256)",
		"setConfigLiquidationScanOnTrade(bool)",
	},
	UnitView: {
		"getActiveOrdersCount()",
		"getLeverageInfo()",
		"getMarketPriceData()",
		"getOrder(uint256)",
		"getUserOrders(address)",
		"marketStatic()",
	},
	UnitSettlement: {
		"getSettlementPrice()",
		"isSettled()",
		"settleMarket(uint256)",
	},
	UnitVaultAdmin: {
		"disableLeverage()",
		"enableLeverage(uint256,uint256)",
		"setFeeRecipient(address)",
		"updateMaxSlippage(uint256)",
		"updateTradingParameters(uint256,uint256,address)",
	},
	UnitLifecycle: {
		"getMarketLifecycleState()",
		"getSettlementDate()",
		"initializeLifecycle(uint256,address)",
		"isInSettlementChallengeWindow()",
	},
	UnitMetaTrade: {
		"metaCancelOrder((address,uint256,uint256,uint256),bytes)",
		"metaPlaceLimit((address,uint256,uint256,bool,uint256,uint256),bytes)",
		"metaPlaceMarket((address,uint256,bool,uint256,uint256),bytes)",
		"metaTradeNonce(address)",
	},
}

// criticalSignatures are the order entry points every order book must route.
var criticalSignatures = []string{
	"placeLimitOrder(uint256,uint256,bool)",
	"placeMarginLimitOrder(uint256,uint256,bool)",
	"placeMarketOrder(uint256,bool)",
	"placeMarginMarketOrder(uint256,bool)",
	"cancelOrder(uint256)",
}

// FallbackSignatures returns a copy of the built-in signatures of unit.
func FallbackSignatures(unit Unit) []string {
	return append([]string(nil), fallbackSignatures[unit]...)
}
