package metering

// OperationSpec describes one metered operation: its fixed credit cost, whether
// it belongs to the entitlement-free trial class, and the per-entitlement usage
// ceiling applied on subscribe (zero means unenforced).
type OperationSpec struct {
	Cost            Credits
	EntitlementFree bool
	UsageCeiling    int64
}

// Catalog is the static operation-cost table consulted by the metering gate
// and the entitlement registry.
type Catalog struct {
	specs map[string]OperationSpec
}

const defaultOperationCost = Credits(1)

// NewCatalog builds a catalog from the given specs.
func NewCatalog(specs map[string]OperationSpec) *Catalog {
	copied := make(map[string]OperationSpec, len(specs))
	for name, spec := range specs {
		copied[name] = spec
	}
	return &Catalog{specs: copied}
}

// DefaultCatalog lists the document-processing operations served by the
// gateway.
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]OperationSpec{
		"swaroop-welcome":          {Cost: 1, EntitlementFree: true},
		"document-identification":  {Cost: 2, UsageCeiling: 1000},
		"pan-signature-extraction": {Cost: 3, UsageCeiling: 1000},
	})
}

// Lookup returns the spec for an operation. Unknown operations cost one credit
// and require an entitlement.
func (catalog *Catalog) Lookup(operation OperationName) OperationSpec {
	if spec, known := catalog.specs[operation.String()]; known {
		return spec
	}
	return OperationSpec{Cost: defaultOperationCost}
}

// Known reports whether the operation is listed in the catalog.
func (catalog *Catalog) Known(operation OperationName) bool {
	_, known := catalog.specs[operation.String()]
	return known
}

// Operations returns the catalog's operation names in unspecified order.
func (catalog *Catalog) Operations() []OperationName {
	names := make([]OperationName, 0, len(catalog.specs))
	for raw := range catalog.specs {
		name, err := NewOperationName(raw)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names
}
