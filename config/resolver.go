package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/blheatwole/f5-telemetry-streaming/action"
	"github.com/blheatwole/f5-telemetry-streaming/component"
	"github.com/blheatwole/f5-telemetry-streaming/errors"
	"github.com/blheatwole/f5-telemetry-streaming/tracer"
	"github.com/blheatwole/f5-telemetry-streaming/vault"
)

// Defaults applied during expansion.
const (
	defaultPollerInterval = 300
	defaultSystemHost     = "localhost"
	defaultSystemPort     = 8100
	defaultSystemProtocol = "http"
)

// reservedRootKeys are declaration keys that are not named objects.
var reservedRootKeys = map[string]struct{}{
	"class":         {},
	"schemaVersion": {},
	"$schema":       {},
}

// ResolveOptions tunes expansion.
type ResolveOptions struct {
	// NamespaceToUpdate marks components outside this namespace with
	// SkipUpdate so workers rebuild only local state. Empty means a full
	// update.
	NamespaceToUpdate string
}

// Resolve validates a declaration and expands it into the flat,
// id-addressed component set plus producer→consumer mappings.
func Resolve(raw map[string]any, opts ResolveOptions) (*component.Set, error) {
	if err := validateDeclaration(raw); err != nil {
		return nil, err
	}

	set := &component.Set{Mappings: make(component.Mappings)}
	seen := make(map[string]string) // id -> class

	namespaces, err := splitNamespaces(raw)
	if err != nil {
		return nil, err
	}

	nsNames := sortedKeys(namespaces)
	for _, ns := range nsNames {
		if err := resolveNamespace(set, seen, ns, namespaces[ns]); err != nil {
			return nil, err
		}
	}

	if opts.NamespaceToUpdate != "" {
		for i := range set.Components {
			set.Components[i].SkipUpdate = set.Components[i].Namespace != opts.NamespaceToUpdate
		}
	}

	sort.Slice(set.Components, func(i, j int) bool {
		return set.Components[i].ID < set.Components[j].ID
	})
	for producer := range set.Mappings {
		sort.Strings(set.Mappings[producer])
	}

	return set, nil
}

// splitNamespaces buckets every named object by its namespace.
func splitNamespaces(raw map[string]any) (map[string]map[string]map[string]any, error) {
	out := map[string]map[string]map[string]any{
		component.DefaultNamespace: {},
	}

	for name, value := range raw {
		if _, reserved := reservedRootKeys[name]; reserved {
			continue
		}
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, errors.NewValidationError(
				fmt.Sprintf("top-level key %q is not an object", name))
		}

		class, _ := obj["class"].(string)
		if class != component.ClassNamespace {
			out[component.DefaultNamespace][name] = obj
			continue
		}

		inner := make(map[string]map[string]any)
		for innerName, innerValue := range obj {
			if innerName == "class" {
				continue
			}
			innerObj, ok := innerValue.(map[string]any)
			if !ok {
				return nil, errors.NewValidationError(
					fmt.Sprintf("namespace %q key %q is not an object", name, innerName))
			}
			inner[innerName] = innerObj
		}
		if _, exists := out[name]; exists {
			return nil, errors.NewValidationError(
				fmt.Sprintf("namespace %q collides with an existing object", name))
		}
		out[name] = inner
	}

	return out, nil
}

// resolveNamespace expands one namespace's objects into components.
func resolveNamespace(set *component.Set, seen map[string]string, ns string, objects map[string]map[string]any) error {
	byClass := make(map[string][]string)
	for name, obj := range objects {
		class, _ := obj["class"].(string)
		byClass[class] = append(byClass[class], name)
	}
	for class := range byClass {
		sort.Strings(byClass[class])
	}

	endpoints := make(map[string]endpointsDecl)
	for _, name := range byClass[component.ClassEndpoints] {
		var decl endpointsDecl
		if err := decodeObject(objects[name], &decl); err != nil {
			return err
		}
		endpoints[name] = decl
	}

	standalone := make(map[string]pollerDecl)
	for _, name := range byClass[component.ClassSystemPoller] {
		var decl pollerDecl
		if err := decodeObject(objects[name], &decl); err != nil {
			return err
		}
		standalone[name] = decl
	}
	for _, name := range byClass[component.ClassIHealthPoller] {
		var decl pollerDecl
		if err := decodeObject(objects[name], &decl); err != nil {
			return err
		}
		decl.IHealth = true
		standalone[name] = decl
	}

	// Controls (default namespace only; schema keeps it out of namespaces).
	for _, name := range byClass[component.ClassControls] {
		var decl controlsDecl
		if err := decodeObject(objects[name], &decl); err != nil {
			return err
		}
		comp := component.Component{
			ID:        component.ID(ns, name),
			Namespace: ns,
			Name:      name,
			Class:     component.ClassControls,
			Enable:    true,
			Controls: &component.ControlsSpec{
				LogLevel:               decl.LogLevel,
				Debug:                  decl.Debug,
				MemoryThresholdPercent: decl.MemoryThresholdPercent,
			},
		}
		if err := addComponent(set, seen, comp); err != nil {
			return err
		}
	}

	referenced := make(map[string]bool) // standalone pollers referenced by a system

	// Systems unfold into one poller component per systemPoller entry.
	for _, systemName := range byClass[component.ClassSystem] {
		var decl systemDecl
		if err := decodeObject(objects[systemName], &decl); err != nil {
			return err
		}
		if err := resolveSystem(set, seen, ns, systemName, decl, standalone, endpoints, referenced); err != nil {
			return err
		}
	}

	// Standalone pollers not referenced by any system get a synthetic
	// system named after themselves, polling localhost.
	standaloneNames := sortedKeys(standalone)
	for _, name := range standaloneNames {
		if referenced[name] {
			continue
		}
		decl := standalone[name]
		comp, err := pollerComponent(ns, name, name, decl, connectionFromPoller(decl), credentialsFromPoller(decl), endpoints)
		if err != nil {
			return err
		}
		if err := addComponent(set, seen, comp); err != nil {
			return err
		}
	}

	// Listeners.
	for _, name := range byClass[component.ClassListener] {
		var decl listenerDecl
		if err := decodeObject(objects[name], &decl); err != nil {
			return err
		}
		port := component.DefaultListenerPort
		if decl.Port != nil {
			port = *decl.Port
		}
		comp := component.Component{
			ID:        component.ID(ns, name),
			Namespace: ns,
			Name:      name,
			Class:     component.ClassListener,
			Enable:    enabled(decl.Enable),
			Trace:     normalizeTrace(decl.Trace, component.ClassListener, component.ID(ns, name)),
			Listener: &component.ListenerSpec{
				Port:    port,
				Match:   decl.Match,
				Tag:     decl.Tag,
				Actions: decl.Actions,
			},
		}
		if err := addComponent(set, seen, comp); err != nil {
			return err
		}
	}

	// Push consumers.
	for _, name := range byClass[component.ClassConsumer] {
		comp, err := consumerComponent(ns, name, objects[name])
		if err != nil {
			return err
		}
		if err := addComponent(set, seen, comp); err != nil {
			return err
		}
	}

	// Pull consumers plus their synthesized poller groups.
	for _, name := range byClass[component.ClassPullConsumer] {
		var decl pullConsumerDecl
		if err := decodeObject(objects[name], &decl); err != nil {
			return err
		}
		if err := resolvePullConsumer(set, seen, ns, name, decl); err != nil {
			return err
		}
	}

	return buildPushMappings(set, ns)
}

// resolveSystem unfolds a system's pollers.
func resolveSystem(
	set *component.Set, seen map[string]string, ns, systemName string, decl systemDecl,
	standalone map[string]pollerDecl, endpoints map[string]endpointsDecl, referenced map[string]bool,
) error {
	connection := component.Connection{
		Host:                orDefault(decl.Host, defaultSystemHost),
		Port:                orDefaultInt(decl.Port, defaultSystemPort),
		Protocol:            orDefault(decl.Protocol, defaultSystemProtocol),
		AllowSelfSignedCert: decl.AllowSelfSignedCert,
	}
	credentials := component.Credentials{
		Username:   decl.Username,
		Passphrase: decl.Passphrase,
	}
	systemEnabled := enabled(decl.Enable)

	entries := pollerEntries(decl.SystemPoller)
	anonymous := 0
	for _, entry := range entries {
		var name string
		var pollerDef pollerDecl

		switch e := entry.(type) {
		case string:
			ref, ok := standalone[e]
			if !ok {
				return errors.NewValidationError(
					fmt.Sprintf("system %q references unknown system poller %q", systemName, e))
			}
			name = e
			pollerDef = ref
			referenced[e] = true
		case map[string]any:
			anonymous++
			// Anonymous pollers get names stable across re-applications,
			// derived from their position.
			name = fmt.Sprintf("SystemPoller_%d", anonymous)
			var inline pollerDecl
			if err := decodeObject(e, &inline); err != nil {
				return err
			}
			pollerDef = inline
		default:
			return errors.NewValidationError(
				fmt.Sprintf("system %q has invalid systemPoller entry", systemName))
		}

		if !systemEnabled {
			f := false
			pollerDef.Enable = &f
		}

		comp, err := pollerComponent(ns, systemName, name, pollerDef, connection, credentials, endpoints)
		if err != nil {
			return err
		}
		if err := addComponent(set, seen, comp); err != nil {
			return err
		}
	}

	return nil
}

// pollerComponent materializes one system-scoped poller.
func pollerComponent(
	ns, systemName, pollerName string, decl pollerDecl,
	connection component.Connection, credentials component.Credentials,
	endpoints map[string]endpointsDecl,
) (component.Component, error) {
	id := component.PollerID(ns, systemName, pollerName)

	interval := defaultPollerInterval
	if decl.Interval != nil {
		interval = *decl.Interval
	}

	// Standalone pollers may carry their own connection overrides.
	if decl.Host != "" {
		connection.Host = decl.Host
	}
	if decl.Port != 0 {
		connection.Port = decl.Port
	}
	if decl.Protocol != "" {
		connection.Protocol = decl.Protocol
	}
	if decl.AllowSelfSignedCert {
		connection.AllowSelfSignedCert = true
	}
	if decl.Username != "" {
		credentials.Username = decl.Username
	}
	if !decl.Passphrase.IsZero() {
		credentials.Passphrase = decl.Passphrase
	}

	endpointList, err := resolveEndpointList(decl.EndpointList, endpoints)
	if err != nil {
		return component.Component{}, err
	}

	return component.Component{
		ID:        id,
		Namespace: ns,
		Name:      pollerName,
		Class:     component.ClassSystemPoller,
		Enable:    enabled(decl.Enable),
		Trace:     normalizeTrace(decl.Trace, component.ClassSystemPoller, id),
		Poller: &component.PollerSpec{
			Interval:    interval,
			Connection:  connection,
			Credentials: credentials,
			Endpoints:   endpointList,
			DataOpts: component.DataOptions{
				Actions:   decl.Actions,
				Tags:      decl.Tag,
				NoTMStats: decl.NoTMStats,
			},
			SystemName: systemName,
			IHealth:    decl.IHealth,
		},
	}, nil
}

// consumerComponent builds a push consumer, splitting type-specific config
// from the common fields.
func consumerComponent(ns, name string, obj map[string]any) (component.Component, error) {
	var decl consumerDecl
	if err := decodeObject(obj, &decl); err != nil {
		return component.Component{}, err
	}

	config := make(map[string]any)
	for key, value := range obj {
		switch key {
		case "class", "type", "enable", "trace", "actions":
		default:
			config[key] = value
		}
	}

	id := component.ID(ns, name)
	return component.Component{
		ID:        id,
		Namespace: ns,
		Name:      name,
		Class:     component.ClassConsumer,
		Enable:    enabled(decl.Enable),
		Trace:     normalizeTrace(decl.Trace, component.ClassConsumer, id),
		Consumer: &component.ConsumerSpec{
			Type:    decl.Type,
			Config:  config,
			Actions: decl.Actions,
		},
	}, nil
}

// resolvePullConsumer materializes the pull consumer and synthesizes its
// poller group from the already-expanded poller components.
func resolvePullConsumer(set *component.Set, seen map[string]string, ns, name string, decl pullConsumerDecl) error {
	refs := stringList(decl.SystemPoller)
	if len(refs) == 0 {
		return errors.NewValidationError(
			fmt.Sprintf("pull consumer %q declares no system pollers", name))
	}
	refSet := make(map[string]bool, len(refs))
	for _, ref := range refs {
		refSet[ref] = true
	}

	consumerID := component.ID(ns, name)
	comp := component.Component{
		ID:        consumerID,
		Namespace: ns,
		Name:      name,
		Class:     component.ClassPullConsumer,
		Enable:    enabled(decl.Enable),
		Trace:     normalizeTrace(decl.Trace, component.ClassPullConsumer, consumerID),
		PullConsumer: &component.PullConsumerSpec{
			Type:          decl.Type,
			SystemPollers: refs,
		},
	}
	if err := addComponent(set, seen, comp); err != nil {
		return err
	}

	// Ordered, de-duplicated poller ids: systems in name order, pollers in
	// their in-system declaration order.
	matched := make(map[string]bool, len(refs))
	var pollerIDs []string
	seenIDs := make(map[string]bool)
	for i := range set.Components {
		c := &set.Components[i]
		if c.Class != component.ClassSystemPoller || c.Namespace != ns {
			continue
		}
		if !refSet[c.Name] || seenIDs[c.ID] {
			continue
		}
		if !c.Poller.PullMode() {
			return errors.NewValidationError(fmt.Sprintf(
				"pull consumer %q references poller %q with non-zero interval", name, c.Name))
		}
		seenIDs[c.ID] = true
		matched[c.Name] = true
		pollerIDs = append(pollerIDs, c.ID)
	}
	for _, ref := range refs {
		if !matched[ref] {
			return errors.NewValidationError(
				fmt.Sprintf("pull consumer %q references unknown system poller %q", name, ref))
		}
	}

	groupName := "Telemetry_Pull_Consumer_System_Poller_Group_" + name
	groupID := component.ID(ns, groupName)
	group := component.Component{
		ID:        groupID,
		Namespace: ns,
		Name:      groupName,
		Class:     component.ClassPullConsumerGroup,
		Enable:    comp.Enable,
		PollerGroup: &component.PollerGroupSpec{
			ConsumerID: consumerID,
			PollerIDs:  pollerIDs,
		},
	}
	if err := addComponent(set, seen, group); err != nil {
		return err
	}

	if comp.Enable {
		set.Mappings[groupID] = append(set.Mappings[groupID], consumerID)
	}
	return nil
}

// buildPushMappings routes every enabled listener and interval-driven
// poller in a namespace to that namespace's enabled push consumers.
func buildPushMappings(set *component.Set, ns string) error {
	var consumers []string
	for i := range set.Components {
		c := &set.Components[i]
		if c.Namespace == ns && c.Class == component.ClassConsumer && c.Enable {
			consumers = append(consumers, c.ID)
		}
	}
	if len(consumers) == 0 {
		return nil
	}

	for i := range set.Components {
		c := &set.Components[i]
		if c.Namespace != ns || !c.Enable {
			continue
		}
		isProducer := c.Class == component.ClassListener ||
			(c.Class == component.ClassSystemPoller && !c.Poller.PullMode())
		if !isProducer {
			continue
		}
		set.Mappings[c.ID] = append(set.Mappings[c.ID], consumers...)
	}
	return nil
}

func addComponent(set *component.Set, seen map[string]string, comp component.Component) error {
	if existingClass, exists := seen[comp.ID]; exists {
		if existingClass != comp.Class {
			return errors.NewValidationError(fmt.Sprintf(
				"cannot override class of %q (%s with %s)", comp.ID, existingClass, comp.Class))
		}
		return errors.NewValidationError(fmt.Sprintf("duplicate component id %q", comp.ID))
	}
	seen[comp.ID] = comp.Class
	set.Components = append(set.Components, comp)
	return nil
}

// Declaration shapes (post-schema, pre-expansion).

type systemDecl struct {
	Enable              *bool        `json:"enable"`
	Trace               any          `json:"trace"`
	Host                string       `json:"host"`
	Port                int          `json:"port"`
	Protocol            string       `json:"protocol"`
	AllowSelfSignedCert bool         `json:"allowSelfSignedCert"`
	Username            string       `json:"username"`
	Passphrase          vault.Secret `json:"passphrase"`
	SystemPoller        any          `json:"systemPoller"`
	IHealthPoller       string       `json:"iHealthPoller"`
}

type pollerDecl struct {
	Enable              *bool             `json:"enable"`
	Trace               any               `json:"trace"`
	Interval            *int              `json:"interval"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Protocol            string            `json:"protocol"`
	AllowSelfSignedCert bool              `json:"allowSelfSignedCert"`
	Username            string            `json:"username"`
	Passphrase          vault.Secret      `json:"passphrase"`
	EndpointList        any               `json:"endpointList"`
	Actions             []action.Spec     `json:"actions"`
	Tag                 map[string]string `json:"tag"`
	NoTMStats           bool              `json:"noTMStats"`
	IHealth             bool              `json:"-"`
}

type listenerDecl struct {
	Enable  *bool             `json:"enable"`
	Trace   any               `json:"trace"`
	Port    *int              `json:"port"`
	Match   string            `json:"match"`
	Tag     map[string]string `json:"tag"`
	Actions []action.Spec     `json:"actions"`
}

type consumerDecl struct {
	Enable  *bool         `json:"enable"`
	Trace   any           `json:"trace"`
	Type    string        `json:"type"`
	Actions []action.Spec `json:"actions"`
}

type pullConsumerDecl struct {
	Enable       *bool  `json:"enable"`
	Trace        any    `json:"trace"`
	Type         string `json:"type"`
	SystemPoller any    `json:"systemPoller"`
}

type controlsDecl struct {
	LogLevel               string `json:"logLevel"`
	Debug                  bool   `json:"debug"`
	MemoryThresholdPercent int    `json:"memoryThresholdPercent"`
}

type endpointsDecl struct {
	Enable   *bool                       `json:"enable"`
	BasePath string                      `json:"basePath"`
	Items    map[string]endpointItemDecl `json:"items"`
}

type endpointItemDecl struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Enable  *bool  `json:"enable"`
	Numeric bool   `json:"numericalEnums"`
}

// Helpers.

func decodeObject(obj map[string]any, target any) error {
	encoded, err := json.Marshal(obj)
	if err != nil {
		return errors.NewValidationError("declaration object not encodable: " + err.Error())
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		return errors.NewValidationError("declaration object malformed: " + err.Error())
	}
	return nil
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func orDefaultInt(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// pollerEntries normalizes the polymorphic systemPoller field into a list.
func pollerEntries(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}

// stringList normalizes string-or-array-of-strings.
func stringList(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// connectionFromPoller builds the synthetic system connection for an
// unattached standalone poller.
func connectionFromPoller(decl pollerDecl) component.Connection {
	return component.Connection{
		Host:                orDefault(decl.Host, defaultSystemHost),
		Port:                orDefaultInt(decl.Port, defaultSystemPort),
		Protocol:            orDefault(decl.Protocol, defaultSystemProtocol),
		AllowSelfSignedCert: decl.AllowSelfSignedCert,
	}
}

func credentialsFromPoller(decl pollerDecl) component.Credentials {
	return component.Credentials{
		Username:   decl.Username,
		Passphrase: decl.Passphrase,
	}
}

// resolveEndpointList expands the polymorphic endpointList field: a name
// reference to a Telemetry_Endpoints object, an inline item, or an array
// of either.
func resolveEndpointList(value any, library map[string]endpointsDecl) ([]component.Endpoint, error) {
	if value == nil {
		return nil, nil
	}

	var out []component.Endpoint
	entries, ok := value.([]any)
	if !ok {
		entries = []any{value}
	}

	for _, entry := range entries {
		switch e := entry.(type) {
		case string:
			name, item, found := strings.Cut(e, "/")
			decl, ok := library[name]
			if !ok {
				return nil, errors.NewValidationError(
					fmt.Sprintf("endpointList references unknown Telemetry_Endpoints %q", name))
			}
			if found {
				endpoint, ok := decl.Items[item]
				if !ok {
					return nil, errors.NewValidationError(fmt.Sprintf(
						"endpointList references unknown item %q in %q", item, name))
				}
				out = append(out, finishEndpoint(item, endpoint, decl.BasePath))
				continue
			}
			for _, itemName := range sortedKeys(decl.Items) {
				out = append(out, finishEndpoint(itemName, decl.Items[itemName], decl.BasePath))
			}
		case map[string]any:
			var item endpointItemDecl
			if err := decodeObject(e, &item); err != nil {
				return nil, err
			}
			out = append(out, finishEndpoint(item.Name, item, ""))
		default:
			return nil, errors.NewValidationError("endpointList entry has invalid type")
		}
	}
	return out, nil
}

func finishEndpoint(name string, item endpointItemDecl, basePath string) component.Endpoint {
	if item.Name == "" {
		item.Name = name
	}
	if item.Name == "" {
		item.Name = strings.TrimPrefix(item.Path, "/")
	}
	path := item.Path
	if basePath != "" && !strings.HasPrefix(path, basePath) {
		path = strings.TrimSuffix(basePath, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	return component.Endpoint{
		Name:    item.Name,
		Path:    path,
		Enable:  enabled(item.Enable),
		Numeric: item.Numeric,
	}
}

// normalizeTrace expands the polymorphic trace field into TraceSpecs.
func normalizeTrace(value any, class, id string) []component.TraceSpec {
	defaults := func(ts component.TraceSpec) component.TraceSpec {
		if ts.Path == "" {
			if ts.Type == "input" {
				ts.Path = tracer.InputPath("", class, id)
			} else {
				ts.Path = tracer.Path("", class, id)
			}
		}
		if ts.MaxRecords == 0 {
			ts.MaxRecords = tracer.DefaultMaxRecords
		}
		if ts.Encoding == "" {
			ts.Encoding = tracer.DefaultEncoding
		}
		return ts
	}

	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		if !v {
			return []component.TraceSpec{{Enable: false, Type: "output"}}
		}
		return []component.TraceSpec{defaults(component.TraceSpec{Enable: true, Type: "output"})}
	case string:
		return []component.TraceSpec{defaults(component.TraceSpec{Enable: true, Type: "output", Path: v})}
	case []any:
		var out []component.TraceSpec
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ts := component.TraceSpec{Enable: true}
			if t, ok := obj["type"].(string); ok {
				ts.Type = t
			}
			if p, ok := obj["path"].(string); ok {
				ts.Path = p
			}
			if mr, ok := obj["maxRecords"].(float64); ok {
				ts.MaxRecords = int(mr)
			}
			if enc, ok := obj["encoding"].(string); ok {
				ts.Encoding = enc
			}
			out = append(out, defaults(ts))
		}
		return out
	default:
		return nil
	}
}
