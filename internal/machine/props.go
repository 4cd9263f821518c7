package machine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PropOp is the action of a prop update expression.
type PropOp int

const (
	PropSet PropOp = iota
	PropAppend
	PropRemove
	PropDelete
)

// PropUpdate is a parsed `key=value`, `+key=value`, `-key=value`, `key=`
// or `-key` expression.
type PropUpdate struct {
	Op    PropOp
	Key   string
	Value string
}

// ParsePropUpdate parses a prop update expression.
func ParsePropUpdate(expr string) (PropUpdate, error) {
	expr = strings.TrimSpace(expr)
	op := PropSet
	switch {
	case strings.HasPrefix(expr, "+"):
		op = PropAppend
		expr = expr[1:]
	case strings.HasPrefix(expr, "-"):
		op = PropRemove
		expr = expr[1:]
	}
	key, value, hasValue := strings.Cut(expr, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return PropUpdate{}, labyarderrors.Invalid("prop", expr, "key is required")
	}
	switch {
	case op == PropRemove && !hasValue:
		op = PropDelete
	case op == PropSet && value == "":
		op = PropDelete
	case op != PropSet && value == "":
		return PropUpdate{}, labyarderrors.Invalid("prop", expr, "a value is required to append or remove")
	}
	return PropUpdate{Op: op, Key: key, Value: value}, nil
}

// UpdateProp applies a prop update expression to a machine.
func UpdateProp(db *gorm.DB, name, expr string) error {
	u, err := ParsePropUpdate(expr)
	if err != nil {
		return fmt.Errorf("machine: prop %s: %w", name, err)
	}
	switch u.Op {
	case PropAppend:
		return AppendProp(db, name, u.Key, u.Value)
	case PropRemove:
		return RemoveProp(db, name, u.Key, u.Value)
	case PropDelete:
		return DeleteProp(db, name, u.Key)
	}
	return SetProp(db, name, u.Key, u.Value)
}

// GetProps returns all props of a machine.
func GetProps(db *gorm.DB, name string) (map[string]string, error) {
	if err := requireMachine(db, name); err != nil {
		return nil, err
	}
	var rows []models.MachineProp
	if err := db.Where("machine = ?", name).Order("`key` ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("machine: props %s: %w", name, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// GetProp returns one prop value and whether it exists.
func GetProp(db *gorm.DB, name, key string) (string, bool, error) {
	if err := requireMachine(db, name); err != nil {
		return "", false, err
	}
	var row models.MachineProp
	err := db.Where("machine = ? AND `key` = ?", name, key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("machine: prop %s/%s: %w", name, key, err)
	}
	return row.Value, true, nil
}

// SetProp replaces a prop value.
func SetProp(db *gorm.DB, name, key, value string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := requireMachine(tx, name); err != nil {
			return err
		}
		return putProp(tx, name, key, value)
	})
}

// AppendProp adds each comma-separated value to a multi-valued prop,
// skipping values already present.
func AppendProp(db *gorm.DB, name, key, value string) error {
	return modifyList(db, name, key, func(list []string) []string {
		for _, v := range splitList(value) {
			if !contains(list, v) {
				list = append(list, v)
			}
		}
		return list
	})
}

// RemoveProp drops each comma-separated value from a multi-valued prop.
// The row is deleted when the list becomes empty.
func RemoveProp(db *gorm.DB, name, key, value string) error {
	drop := splitList(value)
	return modifyList(db, name, key, func(list []string) []string {
		out := list[:0]
		for _, v := range list {
			if !contains(drop, v) {
				out = append(out, v)
			}
		}
		return out
	})
}

// DeleteProp removes a prop entirely. Deleting an absent key is not an error.
func DeleteProp(db *gorm.DB, name, key string) error {
	if err := requireMachine(db, name); err != nil {
		return err
	}
	if err := db.Where("machine = ? AND `key` = ?", name, key).Delete(&models.MachineProp{}).Error; err != nil {
		return fmt.Errorf("machine: delete prop %s/%s: %w", name, key, err)
	}
	return nil
}

func modifyList(db *gorm.DB, name, key string, fn func([]string) []string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := requireMachine(tx, name); err != nil {
			return err
		}
		var row models.MachineProp
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("machine = ? AND `key` = ?", name, key).First(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("machine: prop %s/%s: %w", name, key, err)
		}
		list := fn(splitList(row.Value))
		if len(list) == 0 {
			if err := tx.Where("machine = ? AND `key` = ?", name, key).Delete(&models.MachineProp{}).Error; err != nil {
				return fmt.Errorf("machine: delete prop %s/%s: %w", name, key, err)
			}
			return nil
		}
		return putProp(tx, name, key, strings.Join(list, ","))
	})
}

func putProp(tx *gorm.DB, name, key, value string) error {
	row := models.MachineProp{Machine: name, Key: key, Value: value}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "machine"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("machine: set prop %s/%s: %w", name, key, err)
	}
	return nil
}

func requireMachine(db *gorm.DB, name string) error {
	var count int64
	if err := db.Model(&models.Machine{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return fmt.Errorf("machine: get %s: %w", name, err)
	}
	if count == 0 {
		return fmt.Errorf("machine: %w", labyarderrors.NotFound("machine", name))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
