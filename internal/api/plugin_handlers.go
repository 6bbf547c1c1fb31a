package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/walletplug/internal/plugin"
	"github.com/goatkit/walletplug/internal/profile"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// pluginInfo is the list view of one controller for one profile.
type pluginInfo struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Runtime     string                 `json:"runtime"`
	Permissions []pkgplugin.Capability `json:"permissions"`
	State       plugin.State           `json:"state"`
	Enabled     bool                   `json:"enabled"`
	AutoRun     bool                   `json:"autoRun"`
}

func infoOf(c *plugin.Controller, p pkgplugin.Profile) pluginInfo {
	m := c.Config()
	return pluginInfo{
		Name:        m.Name,
		Version:     m.Version,
		Title:       m.Title,
		Description: m.Description,
		Runtime:     m.RuntimeOrDefault(),
		Permissions: m.GetPermissions(),
		State:       c.State(),
		Enabled:     c.IsEnabled(p),
		AutoRun:     c.AutoRun(p),
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var pe *plugin.PanicError
	switch {
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, plugin.ErrPluginNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgplugin.ErrNotEnabled):
		return http.StatusConflict
	case errors.Is(err, pkgplugin.ErrPathOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, pkgplugin.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// profileParam resolves :profile, discovers its plugins and applies its
// persisted enablement.
func (s *Server) profileParam(c *gin.Context) (*profile.Profile, bool) {
	p, err := s.profiles.Get(c.Param("profile"))
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	if err := s.manager.PrepareProfile(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return p, true
}

// HandleProfileList returns the configured profiles and the active one.
// GET /api/profiles
func (s *Server) HandleProfileList(c *gin.Context) {
	active := ""
	if p := s.manager.Active(); p != nil {
		active = p.ID()
	}
	c.JSON(http.StatusOK, gin.H{"profiles": s.profiles.List(), "active": active})
}

// HandleProfileActivate switches the host to a profile and runs its plugins.
// POST /api/profiles/:profile/activate
func (s *Server) HandleProfileActivate(c *gin.Context) {
	p, err := s.profiles.Get(c.Param("profile"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	failures, err := s.manager.ActivateProfile(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	failed := make(map[string]string, len(failures))
	for name, ferr := range failures {
		failed[name] = ferr.Error()
	}
	c.JSON(http.StatusOK, gin.H{"profile": p.ID(), "failed": failed})
}

// HandlePluginList returns every installed plugin with its state for the profile.
// GET /api/profiles/:profile/plugins
func (s *Server) HandlePluginList(c *gin.Context) {
	p, ok := s.profileParam(c)
	if !ok {
		return
	}
	all := s.manager.Plugins().All()
	plugins := make([]pluginInfo, 0, len(all))
	for _, ctrl := range all {
		plugins = append(plugins, infoOf(ctrl, p))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

// HandlePluginEnable enables a plugin for the profile.
// POST /api/profiles/:profile/plugins/:name/enable?autoRun=true
func (s *Server) HandlePluginEnable(c *gin.Context) {
	p, ok := s.profileParam(c)
	if !ok {
		return
	}
	autoRun, _ := strconv.ParseBool(c.DefaultQuery("autoRun", "false"))
	name := c.Param("name")
	if err := s.manager.EnablePlugin(c.Request.Context(), p, name, autoRun); err != nil {
		abortWithError(c, err)
		return
	}
	s.manager.Logs().Log(name, "info", "plugin enabled", map[string]any{"profile": p.ID()})
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// HandlePluginDisable disables a plugin for the profile.
// POST /api/profiles/:profile/plugins/:name/disable
func (s *Server) HandlePluginDisable(c *gin.Context) {
	p, ok := s.profileParam(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := s.manager.DisablePlugin(c.Request.Context(), p, name); err != nil {
		abortWithError(c, err)
		return
	}
	s.manager.Logs().Log(name, "info", "plugin disabled", map[string]any{"profile": p.ID()})
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// HandlePluginRun invokes a plugin entry for the profile.
// POST /api/profiles/:profile/plugins/:name/run
func (s *Server) HandlePluginRun(c *gin.Context) {
	p, ok := s.profileParam(c)
	if !ok {
		return
	}
	if err := s.manager.RunPlugin(c.Request.Context(), p, c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ran"})
}

// HandlePluginRemove uninstalls a plugin from the profile and deletes the
// profile's copy of its files. "referenced" reports whether another profile
// still has the plugin installed or enabled.
// DELETE /api/profiles/:profile/plugins/:name
func (s *Server) HandlePluginRemove(c *gin.Context) {
	p, ok := s.profileParam(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := s.manager.Plugins().RemoveByID(c.Request.Context(), name, p); err != nil {
		abortWithError(c, err)
		return
	}
	_, referenced := s.manager.Plugins().FindByID(name)
	c.JSON(http.StatusOK, gin.H{"status": "removed", "referenced": referenced})
}

// HandlePluginCommands lists the commands and filters a plugin registered.
// GET /api/plugins/:name/commands
func (s *Server) HandlePluginCommands(c *gin.Context) {
	ctrl, ok := s.manager.Plugins().FindByID(c.Param("name"))
	if !ok {
		abortWithError(c, plugin.ErrPluginNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commands": ctrl.Hooks().Commands(),
		"filters":  ctrl.Hooks().Filters(),
	})
}

// HandlePluginCommandExecute runs a registered command. The body is a JSON
// array of arguments.
// POST /api/plugins/:name/commands/:command
func (s *Server) HandlePluginCommandExecute(c *gin.Context) {
	ctrl, ok := s.manager.Plugins().FindByID(c.Param("name"))
	if !ok {
		abortWithError(c, plugin.ErrPluginNotFound)
		return
	}
	var args []any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "arguments must be a JSON array"})
			return
		}
	}
	result, err := ctrl.Hooks().ExecuteCommand(c.Param("command"), args...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if _, err := json.Marshal(result); err != nil {
		c.JSON(http.StatusNotAcceptable, gin.H{"error": "command result is not serializable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type filterRequest struct {
	Content any `json:"content"`
	Context any `json:"context"`
}

// HandlePluginFilterApply folds content through a plugin's filter handlers.
// POST /api/plugins/:name/filters/:namespace/:hook
func (s *Server) HandlePluginFilterApply(c *gin.Context) {
	ctrl, ok := s.manager.Plugins().FindByID(c.Param("name"))
	if !ok {
		abortWithError(c, plugin.ErrPluginNotFound)
		return
	}
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ns, hook := c.Param("namespace"), c.Param("hook")
	if !ctrl.Hooks().HasFilter(ns, hook) {
		c.JSON(http.StatusOK, gin.H{"result": req.Content, "filtered": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": ctrl.Hooks().ApplyFilter(ns, hook, req.Content, req.Context), "filtered": true})
}

// HandleErrors returns recent isolated plugin failures and log records.
// GET /api/errors?plugin=name&limit=100
func (s *Server) HandleErrors(c *gin.Context) {
	logs := s.manager.Logs()
	if name := c.Query("plugin"); name != "" {
		c.JSON(http.StatusOK, gin.H{"logs": logs.GetByPlugin(name)})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs.GetRecent(limit)})
}

type signAnswerRequest struct {
	Approve   bool   `json:"approve"`
	Signature string `json:"signature"`
}

// HandleSignRequestList lists signing requests waiting for the user.
// GET /api/sign-requests
func (s *Server) HandleSignRequestList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": s.signs.Pending()})
}

// HandleSignRequestAnswer approves or rejects a signing request.
// POST /api/sign-requests/:id
func (s *Server) HandleSignRequestAnswer(c *gin.Context) {
	var req signAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.signs.Answer(c.Param("id"), req.Approve, req.Signature); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNoSignRequest) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered"})
}
