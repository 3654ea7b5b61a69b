package models

import "time"

/*
Config is the full seed file for the in-memory directory server: the base DN, the root identity, the users and
groups to create, the limit attributes to load into the configuration tree, server tuning and logging.
*/
type Config struct {
	BaseDN   string   `mapstructure:"baseDN" validate:"required"`
	RootDN   string   `mapstructure:"rootDN"`
	RootPW   string   `mapstructure:"rootPassword"`
	Users    []User   `mapstructure:"users" validate:"dive"`
	Groups   []Group  `mapstructure:"groups" validate:"dive"`
	Indexed  []string `mapstructure:"indexed"`
	Defaults bool     `mapstructure:"defaultLimits"`
	Limits   Limits   `mapstructure:"limits"`
	Server   Server   `mapstructure:"server"`
	Logging  Logging  `mapstructure:"logging"`
}

/*
User models a person entry created under ou=people. Attributes carries any extra attribute values,
e.g. sn or mail; Password becomes userPassword.
*/
type User struct {
	UID        string              `mapstructure:"uid" validate:"required"`
	CN         string              `mapstructure:"cn"`
	SN         string              `mapstructure:"sn"`
	Mail       string              `mapstructure:"mail"`
	Password   string              `mapstructure:"userPassword"`
	Attributes map[string][]string `mapstructure:"attributes"`
}

// Group models a groupOfNames entry under ou=groups. Members are bare uids or DNs.
type Group struct {
	CN      string   `mapstructure:"cn" validate:"required"`
	Members []string `mapstructure:"members"`
}

/*
Limits holds limit attribute values by configuration entry. Server goes to cn=config, Backend to the ldbm
database config entry, Identities to each bound DN's own entry. Values are scalars as the file spells
them (2000, "2000" or -1).
*/
type Limits struct {
	Server     map[string]any            `mapstructure:"server"`
	Backend    map[string]any            `mapstructure:"backend"`
	Identities map[string]map[string]any `mapstructure:"identities"`
}

// Server tunes the in-memory server.
type Server struct {
	Latency         time.Duration `mapstructure:"latency" validate:"gte=0"`
	MaxPagedPerConn int           `mapstructure:"maxPagedPerConn" validate:"gte=0"`
	DefaultPageSize int           `mapstructure:"defaultPageSize" validate:"gte=0"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout" validate:"gte=0"`
}

// Logging mirrors logging.Config so it can be read from the same file.
type Logging struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}
