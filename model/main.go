package model

// Bind names a logical store connection declared in config.cfg.
const (
	RulesBind    = "rules"
	SettingsBind = "settings"
)

type SeedCategory string

const (
	TemplateSeed SeedCategory = "template"
	RulesetSeed  SeedCategory = "ruleset"
	SettingSeed  SeedCategory = "setting"
)

// IsValid returns true if the SeedCategory is known
func (c SeedCategory) IsValid() bool {
	switch c {
	case TemplateSeed, RulesetSeed, SettingSeed:
		return true
	}
	return false
}

// A ValueTemplate is a named list of values (scanner IPs, user agents, ...)
// that rule authors can reference by name. Each value is one row.
type ValueTemplate struct {
	ID    uint   `gorm:"primaryKey"`
	Name  string `gorm:"size:255;index;not null"`
	Value string `gorm:"size:1024;not null"`
}

// A RuleSet groups naxsi rules that are exported together into File.
//
//	Remarks is a human readable audit line, written once at creation.
//	Timestamp and Updated are Unix seconds.
type RuleSet struct {
	ID        uint   `gorm:"primaryKey"`
	File      string `gorm:"size:255;uniqueIndex;not null;check:file <> ''"`
	Name      string `gorm:"size:255;not null"`
	Remarks   string `gorm:"type:text"`
	Timestamp int64
	Updated   int64
}

// Setting is a persisted runtime setting. At most one row exists per Name.
type Setting struct {
	ID    uint   `gorm:"primaryKey"`
	Name  string `gorm:"size:128;uniqueIndex;not null;check:name <> ''"`
	Value string `gorm:"type:text"`
}

type AuditLog struct {
	ID        uint   `gorm:"primaryKey"`
	CreatedAt int64  `gorm:"autoCreateTime"`
	Action    string `gorm:"index"` // e.g. "INIT", "UPDATE"
	Message   string // human-readable message, optional
	Metadata  string // optional JSON blob for advanced inspection
}

// Audit actions.
const (
	InitAction   = "INIT"
	UpdateAction = "UPDATE"
)

// BindOf reports which store binding a model lives in.
func BindOf(m any) string {
	switch m.(type) {
	case *Setting, Setting, *AuditLog, AuditLog:
		return SettingsBind
	}
	return RulesBind
}

// Models lists every table the driver creates, in creation order.
func Models() []any {
	return []any{
		&ValueTemplate{},
		&RuleSet{},
		&Setting{},
		&AuditLog{},
	}
}
