package config

// ProxyConfig holds configuration for the dispatcher that runs inside a deployed runtime.
type ProxyConfig struct {
	Port           int
	Target         string
	HandlerCommand string
	InvokerCommand string
	ModulePaths    []string
	RuntimeVersion string
	InvokeSecret   string
	LogLevel       string
}

// LoadProxyConfig constructs a ProxyConfig from environment variables.
func LoadProxyConfig() ProxyConfig {
	return ProxyConfig{
		Port:           GetInt("PORT", 8080),
		Target:         GetString("LITHOPS_TARGET", "cloudrun"),
		HandlerCommand: GetString("LITHOPS_HANDLER_CMD", "python3 -m lithops.worker.handler"),
		InvokerCommand: GetString("LITHOPS_INVOKER_CMD", "python3 -m lithops.worker.invoker"),
		ModulePaths:    GetList("LITHOPS_MODULE_PATH", ":"),
		RuntimeVersion: GetString("LITHOPS_RUNTIME_VERSION", ""),
		InvokeSecret:   GetString("LITHOPS_INVOKE_SECRET", ""),
		LogLevel:       GetString(LogLevelEnv, ""),
	}
}
