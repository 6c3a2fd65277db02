package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/log"
)

var (
	agentProxy     *httputil.ReverseProxy
	agentProxyOnce sync.Once
	agentProxyErr  error
)

// initAgentProxy builds the reverse proxy to the agent server
func initAgentProxy() (*httputil.ReverseProxy, error) {
	agentProxyOnce.Do(func() {
		target, err := url.Parse(config.Get().AgentServerURL)
		if err != nil {
			agentProxyErr = err
			return
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorLog = log.StdErrorLogger()
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("agent proxy error")
			w.WriteHeader(http.StatusBadGateway)
		}

		agentProxy = proxy
	})
	return agentProxy, agentProxyErr
}

// AgentProxy handles /agent/* by forwarding to the agent server.
// Lets the dashboard reach agent endpoints without a second origin.
func (h *Handlers) AgentProxy(c *gin.Context) {
	proxy, err := initAgentProxy()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize agent proxy")
		RespondInternalError(c, "Agent proxy unavailable")
		return
	}

	// Strip the /agent prefix so upstream sees its own paths
	c.Request.URL.Path = strings.TrimPrefix(c.Request.URL.Path, "/agent")
	if c.Request.URL.Path == "" {
		c.Request.URL.Path = "/"
	}

	proxy.ServeHTTP(c.Writer, c.Request)
}
