package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaRuleDocuments stores one rule document per tenant/module.
// The "*" tenant holds documents shared by every tenant.
const schemaRuleDocuments = `
CREATE TABLE IF NOT EXISTS rule_documents (
    tenant_id TEXT NOT NULL,
    module_code TEXT NOT NULL,
    document TEXT NOT NULL,
    rule_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, module_code)
);

CREATE INDEX IF NOT EXISTS idx_rule_documents_tenant ON rule_documents(tenant_id);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    application_id TEXT NOT NULL,
    module_code TEXT NOT NULL,
    evaluation_type TEXT NOT NULL,
    total_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    rule_results TEXT NOT NULL,
    category_scores TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_application ON evaluations(tenant_id, application_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_recommendation ON evaluations(tenant_id, recommendation);
CREATE INDEX IF NOT EXISTS idx_evaluations_evaluated_at ON evaluations(tenant_id, evaluated_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuleDocuments,
		schemaEvaluations,
	}
}
