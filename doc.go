// Package exchange-gateway provides a unified integration layer for
// cryptocurrency exchanges.
//
// The library normalizes exchange-specific REST and WebSocket APIs into one
// canonical domain model, allowing applications to trade and read market data
// across multiple platforms through a single contract.
//
// Core Features:
//
//   - Canonical domain model (candles, order books, trades, tickers, orders,
//     balances, positions) shared by every adapter
//   - Market data, trading, account and futures operations per exchange
//   - WebSocket subscriptions for real-time trades, tickers, order books and
//     candles
//   - Per-adapter sliding window rate limiting honoring each exchange's
//     request budget
//   - HMAC request signing with masked credential logging and AES-256-GCM
//     at-rest credential encryption
//   - An exchange manager with concurrent cross-exchange aggregates (best
//     price, aggregated balances, labeled order books)
//
// The library is built around the interfaces.Adapter contract which defines
// the operation set every exchange implementation satisfies. Adapters share
// one request pipeline (pacing, signing, dispatch, error mapping, retry) and
// differ only in URL construction, signature scheme and field translation.
//
// # Error Taxonomy
//
// Every adapter maps its exchange's native failures into one canonical
// error kind before anything leaves the adapter boundary:
//
//   - KindAuthentication: bad, missing or expired credentials; never retried
//
//   - KindRateLimit: exchange-side throttling; retried with a longer backoff
//
//   - KindInsufficientBalance: not enough funds; surfaced unmodified
//
//   - KindInvalidSymbol: unknown or mistyped trading pair
//
//   - KindUnsupported: operation outside the adapter's capabilities, for
//     example futures-only calls on a spot-configured adapter
//
//   - KindNetwork: transport failures and timeouts; retried with backoff
//
//   - KindExchange: catch-all carrying the native code and HTTP status
package exchangegateway
