package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database    DatabaseConfig
	Server      ServerConfig
	Scheduler   SchedulerConfig
	Timeouts    TimeoutConfig
	Wallet      WalletConfig
	Nodes       map[string]NodeConfig
	Services    ServicesConfig
	Policy      PolicyConfig
	InstantFiat InstantFiatConfig
	Formance    FormanceConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Payment     PaymentConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string
	Path            string
	Dsn             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ServerConfig holds the device API listener settings
type ServerConfig struct {
	ListenAddr   string
	BaseUrl      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SchedulerConfig holds background job runner settings
type SchedulerConfig struct {
	Backend         string
	Workers         int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	TaskTimeout     time.Duration
	DepositPoll     time.Duration
	ConfidencePoll  time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	SettingsRefresh time.Duration
}

// TimeoutConfig holds per-operation deadlines
type TimeoutConfig struct {
	Deposit                time.Duration
	DepositConfidence      time.Duration
	DepositConfirmation    time.Duration
	Withdrawal             time.Duration
	WithdrawalConfidence   time.Duration
	WithdrawalConfirmation time.Duration
	ExternalRequest        time.Duration
}

// WalletConfig lists the coins served by the HD wallet
type WalletConfig struct {
	Coins     []string
	CoinsFile string
}

// NodeConfig holds JSON-RPC settings of one coin's full node
type NodeConfig struct {
	Host       string
	User       string
	Password   string
	DisableTLS bool
}

// ServicesConfig holds observation service endpoints
type ServicesConfig struct {
	CoinmarketcapUrl string
	CoindeskUrl      string
	BlockcypherUrl   string
	BlockcypherToken string
	SochainUrl       string
	MaxRetryElapsed  time.Duration
}

// PolicyConfig holds startup defaults for runtime-mutable settings
type PolicyConfig struct {
	SettingsFile          string
	TxConfidenceThreshold decimal.Decimal
	OurFeeShare           decimal.Decimal
	MerchantMarkup        decimal.Decimal
	PairFee               decimal.Decimal
	InstantFiatCoin       string
}

// InstantFiatConfig holds the custodian credentials
type InstantFiatConfig struct {
	Provider    string
	AccessKey   string
	Passphrase  string
	SigningKey  string
	PortfolioId string
	WalletId    string
}

// FormanceConfig holds the ledger mirror settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// Enabled reports whether the mirror is configured.
func (c FormanceConfig) Enabled() bool {
	return c.StackURL != ""
}

// RedisConfig holds the job store connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// KafkaConfig holds the audit stream settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// PaymentConfig holds BIP70 signing material
type PaymentConfig struct {
	CertChainFile  string
	PrivateKeyFile string
	Memo           string
}
