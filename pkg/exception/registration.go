package exception

import (
	"github.com/theroutercompany/exception_handling/pkg/host"
	pkglog "github.com/theroutercompany/exception_handling/pkg/log"
	"github.com/theroutercompany/exception_handling/pkg/metrics"
)

// ServiceName identifies the middleware inside a host.Services container.
const ServiceName = "exception.handler"

// AddGlobalHandler registers the middleware as a transient service. The
// logger and metrics registry shared through host.LoggerService and
// host.RegistryService are picked up when present; opts apply afterwards.
func AddGlobalHandler(services *host.Services, opts ...Option) *host.Services {
	return services.AddTransient(ServiceName, func(s *host.Services) (host.Middleware, error) {
		resolved := make([]Option, 0, len(opts)+2)
		if v, ok := s.Value(host.LoggerService); ok {
			if logger, ok := v.(pkglog.Logger); ok {
				resolved = append(resolved, WithLogger(logger))
			}
		}
		if v, ok := s.Value(host.RegistryService); ok {
			if registry, ok := v.(*metrics.Registry); ok {
				resolved = append(resolved, WithRegistry(registry))
			}
		}
		resolved = append(resolved, opts...)
		return New(resolved...).Middleware(), nil
	})
}

// UseGlobalHandler inserts the middleware into the pipeline at the current
// position. Call it first to make it the outermost stage.
func UseGlobalHandler(builder *host.Builder) *host.Builder {
	return builder.UseMiddleware(ServiceName)
}
