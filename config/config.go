package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"pagedldap/directory"
	"pagedldap/errors"
	"pagedldap/limits"
	"pagedldap/models"
)

// EnvPrefix is prepended to environment overrides, e.g. PAGEDLDAP_LOGGING_LEVEL.
const EnvPrefix = "PAGEDLDAP"

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("rootDN", "cn=Directory Manager")
	v.SetDefault("defaultLimits", true)
	v.SetDefault("server.latency", time.Duration(0))
	v.SetDefault("server.maxPagedPerConn", 64)
	v.SetDefault("server.defaultPageSize", 0)
	v.SetDefault("server.requestTimeout", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 3)
	v.SetDefault("logging.maxAgeDays", 28)
	v.SetDefault("logging.compress", true)
}

/*
Load reads a YAML, JSON or TOML seed file (chosen by extension) into a models.Config. Missing settings take
their defaults and PAGEDLDAP_* environment variables override file values. The base DN is required, every
user needs a uid and every group a cn.
*/
func Load(path string) (*models.Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.InvalidArgument, "no config path")
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "read config %s", path)
	}
	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "decode config %s", path)
	}
	cfg.BaseDN = strings.TrimSpace(cfg.BaseDN)
	if err := validate.Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "config %s", path)
	}
	return &cfg, nil
}

/*
BuildDirectory creates the directory described by cfg: users under ou=people, groups under ou=groups.
A group member containing "=" is taken as a DN as is, anything else must be the uid of a configured user.
*/
func BuildDirectory(cfg *models.Config) (*directory.Directory, error) {
	d := directory.NewDirectory(cfg.BaseDN, cfg.Indexed...)
	byUID := map[string]string{}
	for _, u := range cfg.Users {
		kv := []string{}
		for k, v := range map[string]string{"cn": u.CN, "sn": u.SN, "mail": u.Mail, "userPassword": u.Password} {
			if v != "" {
				kv = append(kv, k, v)
			}
		}
		for k, vals := range u.Attributes {
			for _, v := range vals {
				kv = append(kv, k, v)
			}
		}
		e := d.AddUser(u.UID, kv...)
		byUID[strings.ToLower(u.UID)] = e.DN
	}
	for _, g := range cfg.Groups {
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if strings.Contains(m, "=") {
				members = append(members, m)
				continue
			}
			dn, ok := byUID[strings.ToLower(m)]
			if !ok {
				return nil, errors.New(errors.InvalidArgument, "group %q: member %q is not a configured uid", g.CN, m)
			}
			members = append(members, dn)
		}
		d.AddGroup(g.CN, lo.Uniq(members)...)
	}
	return d, nil
}

/*
BuildLimits loads the configured limit attributes into a configuration tree. With defaultLimits set the tree starts
from the stock server limits and the file only overrides them.
*/
func BuildLimits(cfg *models.Config) (*limits.Tree, error) {
	t := limits.NewTree(nil)
	if cfg.Defaults {
		t = limits.DefaultServerConfig()
	}
	set := func(dn string, attrs map[string]any) error {
		for k, v := range attrs {
			s, err := cast.ToStringE(v)
			if err != nil {
				return errors.Wrap(err, errors.InvalidArgument, "limit %s on %s", k, dn)
			}
			if err := t.Set(dn, k, s); err != nil {
				return err
			}
		}
		return nil
	}
	if err := set(limits.DNConfig, cfg.Limits.Server); err != nil {
		return nil, err
	}
	if err := set(limits.DNLDBMConfig, cfg.Limits.Backend); err != nil {
		return nil, err
	}
	for dn, attrs := range cfg.Limits.Identities {
		if err := set(dn, attrs); err != nil {
			return nil, err
		}
	}
	return t, nil
}
