package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// topLevelAliases maps the flat camelCase option names accepted by embedders
// (lower-cased, as viper stores them) to canonical keys.
var topLevelAliases = map[string]string{
	"maxconcurrentupdates":     "admission.max_concurrent_updates",
	"maxhighpriorityupdates":   "admission.max_high_priority_updates",
	"updatetimeoutseconds":     "admission.update_timeout_seconds",
	"maxconcurrenttasks":       "tasks.max_concurrent_tasks",
	"dependencyresolutionmode": "tasks.dependency_resolution_mode",
}

// applyKeyAliases copies values written under alias keys onto their
// canonical snake_case keys. An alias never overrides a canonical key that
// the config file sets explicitly.
func applyKeyAliases(v *viper.Viper) {
	for alias, canonical := range topLevelAliases {
		if v.IsSet(alias) && !v.InConfig(canonical) {
			v.Set(canonical, v.Get(alias))
		}
	}

	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		prefix := canonicalTagName(section)
		if section.Type.Kind() != reflect.Struct {
			continue
		}
		for j := 0; j < section.Type.NumField(); j++ {
			name := canonicalTagName(section.Type.Field(j))
			legacy := strings.ReplaceAll(name, "_", "")
			if legacy == name {
				continue
			}
			aliasKey := prefix + "." + legacy
			canonicalKey := prefix + "." + name
			if v.InConfig(aliasKey) && !v.InConfig(canonicalKey) {
				v.Set(canonicalKey, v.Get(aliasKey))
			}
		}
	}
}

func canonicalTagName(field reflect.StructField) string {
	if tag := field.Tag.Get("mapstructure"); tag != "" {
		return strings.Split(tag, ",")[0]
	}
	return strings.ToLower(field.Name)
}
