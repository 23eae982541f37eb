package config

import "time"

type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	History   HistoryConfig    `yaml:"history" json:"history"`
	Etcd      EtcdConfig       `yaml:"etcd" json:"etcd"`
	Discord   DiscordConfig    `yaml:"discord" json:"discord"`
	Schedule  ScheduleConfig   `yaml:"schedule" json:"schedule"`
	Directory DirectoryConfig  `yaml:"directory" json:"directory"`
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints" ignored:"true"`
}

type ServerConfig struct {
	Address     string `yaml:"address" json:"address" envconfig:"ADDRESS"`
	HealthCheck bool   `yaml:"healthCheck" json:"healthCheck" envconfig:"HEALTH_CHECK"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" json:"format" envconfig:"FORMAT"`
}

// HistoryConfig selects the database/sql driver used to persist cycle reports.
// Supported drivers: sqlite, postgres, mysql, sqlserver.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Driver  string `yaml:"driver" json:"driver" envconfig:"DRIVER"`
	DSN     string `yaml:"dsn" json:"-" envconfig:"DSN"`
}

type EtcdConfig struct {
	// Empty disables leader election; the process then always runs cycles.
	Endpoints      []string      `yaml:"endpoints" json:"endpoints" envconfig:"ENDPOINTS"`
	DialTimeout    time.Duration `yaml:"dialTimeout" json:"dialTimeout" envconfig:"DIAL_TIMEOUT"`
	ElectionPrefix string        `yaml:"electionPrefix" json:"electionPrefix" envconfig:"ELECTION_PREFIX"`
	NodeName       string        `yaml:"nodeName" json:"nodeName" envconfig:"NODE_NAME"`
}

type DiscordConfig struct {
	APIBase    string  `yaml:"apiBase" json:"apiBase" envconfig:"API_BASE"`
	Token      string  `yaml:"token" json:"-" envconfig:"TOKEN"`
	GuildID    string  `yaml:"guildId" json:"guildId" envconfig:"GUILD_ID"`
	WebhookURL string  `yaml:"webhookUrl" json:"-" envconfig:"WEBHOOK_URL"`
	RateLimit  float64 `yaml:"rateLimit" json:"rateLimit" envconfig:"RATE_LIMIT"`
	// RosterFile is read instead of the guild when Token is empty.
	RosterFile string `yaml:"rosterFile" json:"rosterFile" envconfig:"ROSTER_FILE"`
}

type ScheduleConfig struct {
	SyncPeriod  time.Duration `yaml:"syncPeriod" json:"syncPeriod" envconfig:"SYNC_PERIOD"`
	SweepPeriod time.Duration `yaml:"sweepPeriod" json:"sweepPeriod" envconfig:"SWEEP_PERIOD"`
	// ReportHour is the hour of day (0-23, in Timezone) during which every
	// sync cycle reports, even when nothing changed.
	ReportHour int    `yaml:"reportHour" json:"reportHour" envconfig:"REPORT_HOUR"`
	Timezone   string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`
}

// DirectoryConfig names the attributes and identity provider that tie the
// directory to the roster. The same names apply to every endpoint.
type DirectoryConfig struct {
	IdentityProvider   string        `yaml:"identityProvider" json:"identityProvider" envconfig:"IDENTITY_PROVIDER"`
	RoleAttribute      string        `yaml:"roleAttribute" json:"roleAttribute" envconfig:"ROLE_ATTRIBUTE"`
	FallbackAttribute  string        `yaml:"fallbackAttribute" json:"fallbackAttribute" envconfig:"FALLBACK_ATTRIBUTE"`
	RetentionAttribute string        `yaml:"retentionAttribute" json:"retentionAttribute" envconfig:"RETENTION_ATTRIBUTE"`
	AvatarAttribute    string        `yaml:"avatarAttribute" json:"avatarAttribute" envconfig:"AVATAR_ATTRIBUTE"`
	NicknameAttribute  string        `yaml:"nicknameAttribute" json:"nicknameAttribute" envconfig:"NICKNAME_ATTRIBUTE"`
	RetentionMonths    int           `yaml:"retentionMonths" json:"retentionMonths" envconfig:"RETENTION_MONTHS"`
	RateLimit          float64       `yaml:"rateLimit" json:"rateLimit" envconfig:"RATE_LIMIT"`
	RequestTimeout     time.Duration `yaml:"requestTimeout" json:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`
}

// EndpointConfig is one independently reconciled directory realm.
type EndpointConfig struct {
	Name         string `yaml:"name" json:"name"`
	BaseURL      string `yaml:"baseUrl" json:"baseUrl"`
	TokenURL     string `yaml:"tokenUrl" json:"tokenUrl"`
	ClientID     string `yaml:"clientId" json:"clientId"`
	ClientSecret string `yaml:"clientSecret" json:"-"`
	Realm        string `yaml:"realm" json:"realm"`
	// NotifyRoleID is the platform role mentioned on escalations.
	NotifyRoleID string `yaml:"notifyRoleId" json:"notifyRoleId"`
	DryRun       bool   `yaml:"dryRun" json:"dryRun"`
}
