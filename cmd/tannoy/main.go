package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tannoyproject/tannoy/internal/common"
	"github.com/tannoyproject/tannoy/internal/common/app"
	"github.com/tannoyproject/tannoy/internal/common/health"
	"github.com/tannoyproject/tannoy/internal/tannoy"
	"github.com/tannoyproject/tannoy/internal/tannoy/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.TannoyConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/tannoy", userSpecifiedConfigs)

	// Metrics and health probes share the ops port. The API itself is served
	// by tannoy.Serve on the configured HTTP port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	healthChecks := health.NewMultiChecker()
	health.SetupHttpMux(mux, healthChecks)
	shutdownOpsServer := common.ServeHttp(config.MetricsPort, mux)
	defer shutdownOpsServer()

	if err := tannoy.Serve(app.CreateContextWithShutdown(), &config, healthChecks); err != nil {
		log.Fatalf("Tannoy server failed: %s", err)
	}
}
