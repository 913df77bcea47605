package config

import "time"

// LogLevelEnv controls verbosity. When unset, output of platform commands is suppressed.
const LogLevelEnv = "LITHOPS_LOGLEVEL"

// BackendConfig holds configuration for the control side of the Cloud Run backend.
type BackendConfig struct {
	Platform          string
	ProjectID         string
	Region            string
	Namespace         string
	Cluster           string
	Workers           int
	Registry          string
	RegistryAuth      string
	RuntimeMemoryMB   int
	RuntimeTimeout    time.Duration
	LogLevel          string
	Builder           string
	DockerHost        string
	Workdir           string
	EntryPoint        string
	LibraryRoot       string
	DefaultRuntimeURL string
	FetchTimeout      time.Duration
	BuildTimeout      time.Duration
	InvokeTimeout     time.Duration
	InvokeSecret      string
	InvokeTokenTTL    time.Duration
	KubeServiceDomain string
	ServicePort       int
	ReadinessTimeout  time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	MetadataTTL       time.Duration
}

// LoadBackendConfig constructs a BackendConfig from environment variables.
func LoadBackendConfig() BackendConfig {
	return BackendConfig{
		Platform:          GetString("LITHOPS_PLATFORM", "cloudrun"),
		ProjectID:         GetString("LITHOPS_PROJECT_ID", ""),
		Region:            GetString("LITHOPS_REGION", "us-central1"),
		Namespace:         GetString("LITHOPS_NAMESPACE", "default"),
		Cluster:           GetString("LITHOPS_CLUSTER", "default"),
		Workers:           GetInt("LITHOPS_WORKERS", 1000),
		Registry:          GetString("LITHOPS_REGISTRY", "gcr.io"),
		RegistryAuth:      GetString("LITHOPS_REGISTRY_AUTH", ""),
		RuntimeMemoryMB:   GetInt("LITHOPS_RUNTIME_MEMORY", 256),
		RuntimeTimeout:    GetSeconds("LITHOPS_RUNTIME_TIMEOUT", 600*time.Second),
		LogLevel:          GetString(LogLevelEnv, ""),
		Builder:           GetString("LITHOPS_BUILDER", "cloudbuild"),
		DockerHost:        GetString("DOCKER_HOST", ""),
		Workdir:           GetString("LITHOPS_WORKDIR", "/tmp/lithops"),
		EntryPoint:        GetString("LITHOPS_ENTRY_POINT", "/usr/local/bin/lithops-proxy"),
		LibraryRoot:       GetString("LITHOPS_LIBRARY_ROOT", ""),
		DefaultRuntimeURL: GetString("LITHOPS_DEFAULT_RUNTIME_URL", "https://raw.githubusercontent.com/tomwhite/lithops/master/runtime/cloudrun"),
		FetchTimeout:      GetSeconds("LITHOPS_FETCH_TIMEOUT", 30*time.Second),
		BuildTimeout:      GetSeconds("LITHOPS_BUILD_TIMEOUT", 1200*time.Second),
		InvokeTimeout:     GetSeconds("LITHOPS_INVOKE_TIMEOUT", 0),
		InvokeSecret:      GetString("LITHOPS_INVOKE_SECRET", ""),
		InvokeTokenTTL:    GetSeconds("LITHOPS_INVOKE_TOKEN_TTL", 10*time.Minute),
		KubeServiceDomain: GetString("LITHOPS_KUBE_SERVICE_DOMAIN", ""),
		ServicePort:       GetInt("LITHOPS_SERVICE_PORT", 8080),
		ReadinessTimeout:  GetSeconds("LITHOPS_READINESS_TIMEOUT", 2*time.Minute),
		RedisAddr:         GetString("LITHOPS_REDIS_ADDR", ""),
		RedisPassword:     GetString("LITHOPS_REDIS_PASSWORD", ""),
		RedisDB:           GetInt("LITHOPS_REDIS_DB", 0),
		MetadataTTL:       GetSeconds("LITHOPS_METADATA_TTL", 0),
	}
}

// Verbose reports whether platform command output should be shown.
func (c BackendConfig) Verbose() bool {
	return c.LogLevel != ""
}
