package store

// schemaDDL creates the archiver's tables, indices, and the full-text
// search index maintained as a side effect of revision upsert (§4.4).
const schemaDDL = `
	CREATE TABLE "Pages" (
		"pageId" bigint PRIMARY KEY,
		"namespace" integer NOT NULL,
		"title" text NOT NULL,
		"isRedirect" boolean NOT NULL DEFAULT false,
		"isDeleted" boolean NOT NULL DEFAULT false,
		"createdAt" timestamptz NOT NULL DEFAULT now(),
		"updatedAt" timestamptz NOT NULL DEFAULT now()
	);
	CREATE UNIQUE INDEX "pagesNamespaceTitleIdx" ON "Pages" ("namespace", "title") WHERE NOT "isDeleted";

	CREATE TABLE "Revisions" (
		"revisionId" bigint PRIMARY KEY,
		"pageId" bigint NOT NULL REFERENCES "Pages" ("pageId"),
		"parentRevisionId" bigint,
		"timestamp" timestamptz NOT NULL,
		"user" text,
		"userId" bigint,
		"comment" text NOT NULL DEFAULT '',
		"size" bigint NOT NULL DEFAULT 0,
		"sha1" text NOT NULL DEFAULT '',
		"content" text,
		"tags" jsonb,
		"searchVector" tsvector
	);
	CREATE INDEX "revisionsPageIdIdx" ON "Revisions" ("pageId", "revisionId");
	CREATE INDEX "revisionsSearchIdx" ON "Revisions" USING gin ("searchVector");

	CREATE TABLE "Files" (
		"title" text PRIMARY KEY,
		"url" text NOT NULL DEFAULT '',
		"descriptionUrl" text NOT NULL DEFAULT '',
		"sha1" text NOT NULL DEFAULT '',
		"size" bigint NOT NULL DEFAULT 0,
		"width" integer,
		"height" integer,
		"mimeType" text NOT NULL DEFAULT '',
		"uploadedAt" timestamptz,
		"uploader" text NOT NULL DEFAULT '',
		"localPath" text,
		"isDeleted" boolean NOT NULL DEFAULT false
	);

	CREATE TABLE "Links" (
		"sourcePageId" bigint NOT NULL REFERENCES "Pages" ("pageId"),
		"targetTitle" text NOT NULL,
		"targetPageId" bigint,
		"linkType" text NOT NULL
	);
	CREATE INDEX "linksSourceIdx" ON "Links" ("sourcePageId");
	CREATE INDEX "linksTargetTitleIdx" ON "Links" ("targetTitle");
	CREATE INDEX "linksTargetPageIdx" ON "Links" ("targetPageId") WHERE "targetPageId" IS NOT NULL;

	CREATE TABLE "ScrapeRuns" (
		"runId" text PRIMARY KEY,
		"runType" text NOT NULL,
		"status" text NOT NULL,
		"startTime" timestamptz NOT NULL,
		"endTime" timestamptz,
		"pagesScraped" bigint NOT NULL DEFAULT 0,
		"revisionsScraped" bigint NOT NULL DEFAULT 0,
		"filesDownloaded" bigint NOT NULL DEFAULT 0,
		"pagesNew" bigint NOT NULL DEFAULT 0,
		"pagesModified" bigint NOT NULL DEFAULT 0,
		"pagesDeleted" bigint NOT NULL DEFAULT 0,
		"pagesMoved" bigint NOT NULL DEFAULT 0,
		"errors" jsonb
	);
	CREATE INDEX "scrapeRunsEndTimeIdx" ON "ScrapeRuns" ("status", "endTime" DESC);

	CREATE FUNCTION "revisionsSearchVectorUpdate"() RETURNS trigger LANGUAGE plpgsql AS $$
		BEGIN
			NEW."searchVector" := to_tsvector('english', coalesce(NEW."content", ''));
			RETURN NEW;
		END;
	$$;
	CREATE TRIGGER "revisionsSearchVectorTrigger" BEFORE INSERT OR UPDATE OF "content" ON "Revisions"
		FOR EACH ROW EXECUTE FUNCTION "revisionsSearchVectorUpdate"();
`
