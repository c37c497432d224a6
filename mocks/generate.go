package mocks

//go:generate mockgen -destination=./mock_fetcher.go -package=mocks github.com/kfishgm/btcbot-sub001/internal/failover KlinesFetcher
//go:generate mockgen -destination=./mock_dialer.go -package=mocks github.com/kfishgm/btcbot-sub001/internal/stream Dialer
